package config

import (
	"benchflow/src/util"
)

type CredentialsConfig struct {
	Username string      `koanf:"username" validate:"omitempty,min=1,max=64"`
	Password util.Secret `koanf:"password" validate:"omitempty,min=1,max=64"`
}

// NetworkConfig is the control-plane endpoint layout: where the coordinator's
// ROUTER and PUB sockets bind, and the first port of the data-plane range
// the registry allocates group ports from.
type NetworkConfig struct {
	CoordinatorHost   string `koanf:"coordinator_ip" validate:"required,hostname|ip"`
	RouterPort        uint16 `koanf:"router_port" validate:"required,port"`
	PubPort           uint16 `koanf:"pub_port" validate:"required,port"`
	DataPortStart     uint16 `koanf:"data_port_start" validate:"required,port"`
	SenderBind        bool   `koanf:"sender_bind"`
}

// TestMatrixConfig is one axis-sweep description; the coordinator's swept
// TestConfig list is derived from it.
type TestMatrixConfig struct {
	MessageSizes    []int `koanf:"message_sizes" validate:"required,min=1,dive,required,gt=0"`
	MessageCounts   []int `koanf:"message_counts" validate:"required,min=1,dive,required,gt=0"`
	ZeroCopy        bool  `koanf:"zero_copy"`
	Pub             bool  `koanf:"pub"`
	SendHWM         int   `koanf:"send_hwm" validate:"gte=0"`
	RecvHWM         int   `koanf:"recv_hwm" validate:"gte=0"`
}

type WorkerConfig struct {
	ReceiversPerSender int    `koanf:"receivers_per_sender" validate:"required,gt=0"`
	NumPairs           int    `koanf:"num_pairs" validate:"required,gt=0"`
	SetupDelaySeconds  int    `koanf:"setup_delay_seconds" validate:"required,gt=0"`
	PeerHost           string `koanf:"peer_host" validate:"required,hostname|ip"`

	// ExternalAddressMap is a static internal->external data-plane endpoint
	// table (see addrtranslate), only consulted when non-empty. A
	// deployment confined to one subnet leaves this unset.
	ExternalAddressMap map[string]string `koanf:"external_address_map"`
}

// OutputConfig controls the coordinator's results sink: the CSV/JSON file
// sink is always on, PostgreSQL is additive and only active if PostgreSQL is
// non-nil.
type OutputConfig struct {
	Directory   string `koanf:"directory" validate:"required,dirpath|filepath"`
	AddDateTime bool   `koanf:"add_date_time"`
}

type CallbackConfig struct {
	Name            string `koanf:"name" validate:"omitempty,oneof=noop write_npy"`
	BufferSizeBytes int    `koanf:"buffer_size_bytes" validate:"gte=0"`
	Format          string `koanf:"format" validate:"omitempty,oneof=bin npy"`
}

type PostgreSQLConfig struct {
	CredentialsConfig `koanf:",squash"`
	Host              string `koanf:"host" validate:"required,hostname|ip"`
	Port              uint16 `koanf:"port" validate:"required,port"`
	DbName            string `koanf:"dbname" validate:"required,min=1,max=64"`
}

type RedisConfig struct {
	CredentialsConfig `koanf:",squash"`
	Address           string `koanf:"address" validate:"required,hostname_port"`
}

type NATSConfig struct {
	CredentialsConfig `koanf:",squash"`
	Servers           []string `koanf:"servers" validate:"required,min=1,max=10,unique,dive,required,hostname_port"`
}

type LoggingConfig struct {
	RootLevel     string            `koanf:"root_level" validate:"required,oneof=trace debug info warn error fatal panic disabled"`
	LiteralLevels map[string]string `koanf:"literal_levels" validate:"max=100,dive,keys,required,min=1,max=100,endkeys,required,oneof=trace debug info warn error fatal panic disabled"`
	RegexLevels   map[string]string `koanf:"regex_levels" validate:"max=100,dive,keys,required,min=1,max=100,endkeys,required,oneof=trace debug info warn error fatal panic disabled"`
	PrettyPrint   bool              `koanf:"pretty_print"`
}

type ApplicationConfig struct {
	InstanceName string
	Version      string
	Commit       string
	BuildTime    string
}

// Config is the full harness configuration. PostgreSQL, Redis and NATS are
// pointers: each is an optional ambient dependency, present only if its
// config section was supplied, absent (nil) otherwise — the only required
// sections are the ones that describe the benchmark itself.
type Config struct {
	Application ApplicationConfig

	Network     NetworkConfig     `koanf:"network" validate:"required"`
	TestMatrix  TestMatrixConfig  `koanf:"test_matrix" validate:"required"`
	Worker      WorkerConfig      `koanf:"worker" validate:"required"`
	Output      OutputConfig      `koanf:"output" validate:"required"`
	Callback    CallbackConfig    `koanf:"callback"`
	Logging     LoggingConfig     `koanf:"logging" validate:"required"`

	PostgreSQL *PostgreSQLConfig `koanf:"postgresql"`
	Redis      *RedisConfig      `koanf:"redis"`
	NATS       *NATSConfig       `koanf:"nats"`
}
