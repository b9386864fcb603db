package checkout

import (
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
)

// rejectionMessage is the text shown to the operator for an ERP rejection.
func rejectionMessage(err error) string {
	if typed := pkgerrors.As(err); typed != nil && typed.Message() != "" {
		return typed.Message()
	}
	return err.Error()
}
