package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies payment failures.
type Kind string

const (
	KindNotConfigured        Kind = "not_configured"
	KindInvalidPaymentMethod Kind = "invalid_payment_method"
	KindMissingRequiredField Kind = "missing_required_field"
	KindAPIError             Kind = "api_error"
	KindNetworkError         Kind = "network_error"
	KindSignatureInvalid     Kind = "signature_invalid"
	KindAlreadyProcessed     Kind = "already_processed"
)

// Required fields reported with KindMissingRequiredField.
const (
	FieldCardToken  = "card_token"
	FieldDocument   = "document"
	FieldPayerEmail = "payer_email"
	FieldCardBrand  = "payment_method_id"
)

// Error is the typed payment error returned by adapters and orchestration.
type Error struct {
	Kind       Kind
	Gateway    string
	Field      string
	Message    string
	StatusCode int
	Raw        []byte
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Gateway != "" {
		msg = e.Gateway + ": " + msg
	}
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetworkError
}

// KindOf extracts the error kind, or "" when err is not a gateway error.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// NotConfigured reports missing credentials for a gateway.
func NotConfigured(gatewayID string) *Error {
	return &Error{Kind: KindNotConfigured, Gateway: gatewayID, Message: "gateway credentials are not configured"}
}

// InvalidMethod reports a payment method the gateway does not support.
func InvalidMethod(method string) *Error {
	return &Error{Kind: KindInvalidPaymentMethod, Message: fmt.Sprintf("unsupported payment method %q", method)}
}

// MissingField reports a required method-specific field that was not sent.
func MissingField(gatewayID, field string) *Error {
	return &Error{Kind: KindMissingRequiredField, Gateway: gatewayID, Field: field, Message: "required field not provided"}
}

// SignatureInvalid reports a webhook that failed verification.
func SignatureInvalid(gatewayID, reason string) *Error {
	return &Error{Kind: KindSignatureInvalid, Gateway: gatewayID, Message: reason}
}

// CustomerMessage returns the pt-BR message shown to the payer for err.
func CustomerMessage(err error) string {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return "Erro ao processar o pagamento. Tente novamente."
	}
	switch gwErr.Kind {
	case KindNotConfigured:
		return "Este meio de pagamento não está disponível no momento."
	case KindInvalidPaymentMethod:
		return "Método de pagamento inválido."
	case KindMissingRequiredField:
		switch gwErr.Field {
		case FieldCardToken:
			return "Token do cartão não fornecido."
		case FieldDocument:
			return "CPF ou CNPJ não informado."
		case FieldPayerEmail:
			return "E-mail do comprador não informado."
		case FieldCardBrand:
			return "Bandeira do cartão não informada."
		}
		return "Dados de pagamento incompletos."
	case KindNetworkError:
		return "Não foi possível contatar o provedor de pagamento. Tente novamente em instantes."
	case KindAlreadyProcessed:
		return "Pagamento já processado."
	}
	return "Erro ao processar o pagamento. Tente novamente."
}
