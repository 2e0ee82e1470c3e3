package server

import (
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// validator's max counts runes; bcrypt limits bytes.
	if err := v.RegisterValidation("maxbytes", validateMaxBytes); err != nil {
		panic(err)
	}
	return v
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

type envelope struct {
	Command string `json:"command"`
}

// credentialsRequest is the payload of register and login. Pointers tell a
// missing field apart from an empty one.
type credentialsRequest struct {
	Login    *string `json:"login" validate:"required,min=1,max=64"`
	Password *string `json:"password" validate:"required,maxbytes=72"`
}

type sendMessageRequest struct {
	To      *string `json:"to" validate:"required,min=1,max=64"`
	Message *string `json:"message" validate:"required"`
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, &MalformedRequestError{Field: "invalid JSON"}
	}
	if env.Command == "" {
		return envelope{}, &MalformedRequestError{Field: "command"}
	}
	return env, nil
}

// decodeRequest unmarshals raw into dst and validates it, reporting the
// first offending field by its JSON name.
func decodeRequest(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return &MalformedRequestError{Field: typeErr.Field}
		}
		return &MalformedRequestError{Field: "invalid JSON"}
	}

	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &MalformedRequestError{Field: fieldErrs[0].Field()}
		}
		return &MalformedRequestError{Field: "invalid request"}
	}

	return nil
}
