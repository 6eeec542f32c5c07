package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/mail"
)

// SendVerificationEmail mails the newest unsent code of accountID and marks
// it sent. The row stays locked until the send finishes, and an account with
// no unsent code is a no-op, so a repeated job sends nothing.
func (s *Service) SendVerificationEmail(ctx context.Context, accountID int64) error {
	if !s.mail.Enabled() {
		return jobs.Permanentf("mail is not configured")
	}

	return db.Execute(ctx, s.db, func(tx *sql.Tx) error {
		var (
			codeID int64
			code   string
			email  sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT vc.id, vc.code, a.email
			FROM verification_code vc
			JOIN account a ON a.id = vc.account_id
			WHERE vc.account_id = $1
			AND vc.sent_at IS NULL AND vc.used_at IS NULL
			AND vc.created_at > $2
			ORDER BY vc.id DESC
			LIMIT 1
			FOR UPDATE OF vc
		`, accountID, s.now().Add(-s.config.VerificationCodeTTL)).Scan(&codeID, &code, &email)
		if errors.Is(err, sql.ErrNoRows) {
			log.Info().Int64("account_id", accountID).Msg("No unsent verification code")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load verification code: %w", err)
		}
		if !email.Valid {
			return jobs.Permanentf("account %d has no email", accountID)
		}

		err = s.mail.SendTransactional(ctx, &mail.TransactionalRequest{
			Email:           email.String,
			TransactionalID: s.config.VerificationTemplate,
			DataVariables:   map[string]any{"code": code},
			IdempotencyKey:  fmt.Sprintf("verification-code-%d", codeID),
		})
		if err != nil {
			var apiErr *mail.APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return jobs.Permanent(err)
			}
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE verification_code SET sent_at = $2 WHERE id = $1`, codeID, s.now(),
		); err != nil {
			return fmt.Errorf("failed to mark verification code sent: %w", err)
		}

		log.Info().Int64("account_id", accountID).Int64("verification_code_id", codeID).Msg("Sent verification email")
		return nil
	})
}

// Register binds send_verification_email.
func Register(r *jobs.Registry, s *Service) {
	jobs.Register(r, jobs.KindSendVerificationEmail, func(ctx context.Context, args jobs.SendVerificationEmailArgs) error {
		if args.AccountID <= 0 {
			return jobs.Permanentf("account_id is required")
		}
		return s.SendVerificationEmail(ctx, args.AccountID)
	})
}
