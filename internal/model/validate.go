package model

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

func (m ScheduledMessage) Validate() error {
	return validatorInstance().Struct(m)
}

func (p Payload) Validate() error {
	return validatorInstance().Struct(p)
}
