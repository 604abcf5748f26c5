package apiserver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/go-playground/validator/v10"
)

type ownerQuery struct {
	Owner string `validate:"required,pubkey"`
}

type positionsQuery struct {
	Owner    string `validate:"required_without=MarketID,omitempty,pubkey"`
	MarketID string `validate:"omitempty,max=64"`
	Status   string `validate:"omitempty,oneof=active claimed refunded"`
}

type userDepositQuery struct {
	Owner    string `validate:"required,pubkey"`
	MarketID string `validate:"required,max=32"`
	Side     string `validate:"required"`
}

type helloRequest struct {
	Owner string `json:"owner" validate:"required,pubkey"`
}

// Market ids are seeds of the user deposit address and share its 32 byte limit.
type depositRequest struct {
	Amount         string `json:"amount" validate:"required,numeric"`
	MarketID       string `json:"market_id" validate:"required,max=32"`
	Side           string `json:"position" validate:"required,oneof=YES NO yes no"`
	MarketQuestion string `json:"market_question" validate:"max=512"`
	ExpiresAt      int64  `json:"expiry_timestamp" validate:"gte=0"`
}

type signedRequest struct {
	Transaction string `json:"transaction" validate:"required,base64"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		_, err := solana.PublicKeyFromBase58(fl.Field().String())
		return err == nil
	})
	return v
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("invalid %s: %s=%s", name, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("invalid %s: %s", name, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
