// Package validation provides a single process-wide *validator.Validate
// instance with the project's custom tag functions registered, mirroring how
// every config/options struct across this codebase validates itself.
package validation

import (
	"benchflow/src/util"

	"github.com/go-playground/validator/v10"
)

// Instance is the shared validator used by config loaders, lifecycle options
// and every other struct tagged with `validate:"..."`.
var Instance = validator.New(validator.WithRequiredStructEnabled())

func init() {
	mustRegister("unique", util.ValidateUnique)
	mustRegister("enum", util.ValidateEnum)
	mustRegister("notblank", util.ValidateNotBlank)
	mustRegister("hostportlist", util.ValidateHostPortList)
}

func mustRegister(tag string, fn validator.Func) {
	if err := Instance.RegisterValidation(tag, fn); err != nil {
		panic("validation: failed to register tag '" + tag + "': " + err.Error())
	}
}
