package escrow

import (
	"context"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/model"
	"escrow-service/internal/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SaveBankDetails stores a provider's bank account together with the gateway
// recipient created for it. Details the gateway rejects are not saved.
func (s *Service) SaveBankDetails(ctx context.Context, providerID, actorID uuid.UUID, account model.BankAccount) (*model.Provider, error) {
	if providerID != actorID {
		return nil, errors.Wrap(apperrors.ErrForbidden, "providers can only change their own bank details")
	}
	if account.BankCode == "" || account.AccountNumber == "" || account.AccountName == "" {
		return nil, errors.Wrap(apperrors.ErrInvalidAccount, "bank code, account number and account name are required")
	}

	current, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if current.Bank == account {
		if _, ok := current.TrustedRecipient(); ok {
			return current, nil
		}
	}

	code, err := s.gateway.CreateRecipient(ctx, account)
	if err != nil {
		recipientCounter("save", err).Inc()
		return nil, err
	}
	recipientCounter("save", nil).Inc()

	var saved *model.Provider
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockProvider(ctx, providerID)
		if err != nil {
			return err
		}
		s.trust(p, account, code)
		saved = p
		return tx.UpdateProviderBank(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Provider bank details saved", "providerId", providerID)
	return saved, nil
}

// RevalidateRecipient checks bank details that changed after their recipient
// was created. Details the gateway now rejects lose their recipient, which
// blocks releases until the provider saves valid details.
func (s *Service) RevalidateRecipient(ctx context.Context, providerID uuid.UUID) (bool, error) {
	current, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return false, err
	}
	if _, ok := current.TrustedRecipient(); ok || current.RecipientFingerprint == nil {
		return false, nil
	}

	code, err := s.gateway.CreateRecipient(ctx, current.Bank)
	recipientCounter("revalidate", err).Inc()
	invalid := errors.Is(err, apperrors.ErrInvalidAccount)
	if err != nil && !invalid {
		return false, err
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, lockErr := tx.LockProvider(ctx, providerID)
		if lockErr != nil {
			return lockErr
		}
		if p.Bank != current.Bank {
			return nil
		}
		if invalid {
			p.RecipientCode, p.RecipientFingerprint, p.RecipientValidatedAt = nil, nil, nil
		} else {
			s.trust(p, p.Bank, code)
		}
		return tx.UpdateProviderBank(ctx, p)
	})
	if err != nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "Provider recipient revalidated", "providerId", providerID, "valid", !invalid)
	return true, nil
}

func (s *Service) trust(p *model.Provider, account model.BankAccount, code string) {
	now := s.now()
	fp := account.Fingerprint()
	p.Bank = account
	p.RecipientCode = &code
	p.RecipientFingerprint = &fp
	p.RecipientValidatedAt = &now
}

func recipientCounter(op string, err error) *metrics.Counter {
	result := "valid"
	switch {
	case errors.Is(err, apperrors.ErrInvalidAccount):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	return metrics.GetOrCreateCounter(`recipient_validations_total{op="` + op + `",result="` + result + `"}`)
}
