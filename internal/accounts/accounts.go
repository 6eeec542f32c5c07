// Package accounts creates listener accounts, their API keys and
// verification codes, and records subscriptions and playback progress.
package accounts

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	emailverifier "github.com/AfterShip/email-verifier"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/mail"
	"github.com/Harvey-AU/podcore/internal/queue"
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrWeakPassword = errors.New("password must be at least 8 characters")
	ErrEmailTaken   = errors.New("an account with that email already exists")
)

const (
	minPasswordLength = 8
	keyBytes          = 32
	codeBytes         = 20
)

var verifier = emailverifier.NewVerifier()

// Sender delivers transactional email.
type Sender interface {
	Enabled() bool
	SendTransactional(ctx context.Context, req *mail.TransactionalRequest) error
}

// Enqueuer schedules follow-up jobs inside the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error)
}

type Config struct {
	BcryptCost           int
	VerificationTemplate string
	VerificationCodeTTL  time.Duration
}

// Account is a row of the account table. Ephemeral accounts have no email.
type Account struct {
	ID         int64
	Email      *string
	Ephemeral  bool
	Verified   bool
	LastIP     string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Key is an API secret belonging to an account.
type Key struct {
	ID        int64
	AccountID int64
	Secret    string
	ExpireAt  *time.Time
	CreatedAt time.Time
}

type VerificationCode struct {
	ID        int64
	AccountID int64
	Code      string
	CreatedAt time.Time
}

// Service owns the account tables.
type Service struct {
	db     *sql.DB
	mail   Sender
	queue  Enqueuer
	config Config
	now    func() time.Time
}

func NewService(client *sql.DB, sender Sender, q Enqueuer, config Config) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.VerificationCodeTTL <= 0 {
		config.VerificationCodeTTL = 24 * time.Hour
	}
	return &Service{
		db:     client,
		mail:   sender,
		queue:  q,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateEphemeral creates an anonymous account for a new client.
func (s *Service) CreateEphemeral(ctx context.Context, lastIP string) (*Account, error) {
	now := s.now()
	acct := &Account{Ephemeral: true, LastIP: lastIP, CreatedAt: now, LastSeenAt: now}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO account (ephemeral, last_ip, created_at, last_seen_at)
		VALUES (TRUE, $1, $2, $2)
		RETURNING id
	`, lastIP, now).Scan(&acct.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ephemeral account: %w", err)
	}

	log.Info().Int64("account_id", acct.ID).Msg("Created ephemeral account")
	return acct, nil
}

// CreatePersistent creates an email and password account, issues a
// verification code and queues the verification email in one transaction.
func (s *Service) CreatePersistent(ctx context.Context, email, password, lastIP string) (*Account, error) {
	email = strings.TrimSpace(email)
	if !verifier.ParseAddress(email).Valid {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	acct := &Account{Email: &email, LastIP: lastIP, CreatedAt: now, LastSeenAt: now}

	err = db.Execute(ctx, s.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM account WHERE lower(email) = lower($1))`, email,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check existing account: %w", err)
		}
		if exists {
			return ErrEmailTaken
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO account (email, password_hash, ephemeral, verified, last_ip, created_at, last_seen_at)
			VALUES ($1, $2, FALSE, FALSE, $3, $4, $4)
			RETURNING id
		`, email, string(hash), lastIP, now).Scan(&acct.ID)
		if db.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}

		if _, err := s.CreateVerificationCode(ctx, tx, acct.ID); err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, tx, jobs.KindSendVerificationEmail,
			jobs.SendVerificationEmailArgs{AccountID: acct.ID}); err != nil {
			return fmt.Errorf("failed to enqueue verification email: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int64("account_id", acct.ID).Msg("Created account")
	return acct, nil
}

// Authenticate checks an email and password pair.
func (s *Service) Authenticate(ctx context.Context, email, password string) (int64, error) {
	var (
		id   int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash FROM account
		WHERE lower(email) = lower($1) AND NOT ephemeral
	`, strings.TrimSpace(email)).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, db.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return 0, db.ErrNotFound
	}
	return id, nil
}

// CreateKey issues a random secret for accountID. A ttl of zero never expires.
func (s *Service) CreateKey(ctx context.Context, accountID int64, ttl time.Duration) (*Key, error) {
	secret, err := randomHex(keyBytes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	key := &Key{AccountID: accountID, Secret: secret, CreatedAt: now}
	if ttl > 0 {
		expire := now.Add(ttl)
		key.ExpireAt = &expire
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO key (account_id, secret, created_at, expire_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, accountID, secret, now, key.ExpireAt).Scan(&key.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert key for account %d: %w", accountID, err)
	}
	return key, nil
}

// CreateVerificationCode issues a code for accountID on q, which may be a
// transaction.
func (s *Service) CreateVerificationCode(ctx context.Context, q db.Querier, accountID int64) (*VerificationCode, error) {
	code, err := randomHex(codeBytes)
	if err != nil {
		return nil, err
	}

	vc := &VerificationCode{AccountID: accountID, Code: code, CreatedAt: s.now()}
	err = q.QueryRowContext(ctx, `
		INSERT INTO verification_code (account_id, code, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, accountID, code, vc.CreatedAt).Scan(&vc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert verification code: %w", err)
	}
	return vc, nil
}

// Verify marks the account owning an unused, unexpired code as verified.
func (s *Service) Verify(ctx context.Context, code string) (int64, error) {
	var accountID int64
	err := db.Execute(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE verification_code SET used_at = $2
			WHERE code = $1 AND used_at IS NULL AND created_at > $3
			RETURNING account_id
		`, code, s.now(), s.now().Add(-s.config.VerificationCodeTTL)).Scan(&accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return db.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to use verification code: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE account SET verified = TRUE WHERE id = $1`, accountID)
		return err
	})
	return accountID, err
}

// Touch records a request from the account.
func (s *Service) Touch(ctx context.Context, accountID int64, ip string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE account SET last_ip = $2, last_seen_at = $3 WHERE id = $1
	`, accountID, ip, s.now())
	if err != nil {
		return fmt.Errorf("failed to touch account %d: %w", accountID, err)
	}
	if db.RowsAffected(res) == 0 {
		return db.ErrNotFound
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
