package app

import (
	"context"
	"log"
	"time"

	"codeancestry/api/internal/auth"
	"codeancestry/api/internal/authpw"
	"codeancestry/api/internal/store"
	"codeancestry/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// CreateSession issues access and refresh tokens for an already authenticated
// user id.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a fresh
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)

	var user store.User
	var err error
	if s.sessions != nil {
		user, err = s.sessions.LookupRefreshSession(ctx, tokenHash)
	} else {
		user, err = s.store.LookupRefreshSession(ctx, tokenHash)
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.revokeRefresh(ctx, tokenHash); err != nil {
		return Session{}, err
	}

	// The session store only carries the user id; re-read for role and name.
	full, err := s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, full)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.saveRefresh(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.revokeRefresh(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) saveRefresh(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if s.sessions != nil {
		return s.sessions.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
	}
	return s.store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
}

func (s *Service) revokeRefresh(ctx context.Context, tokenHash string) error {
	if s.sessions != nil {
		return s.sessions.RevokeRefreshSession(ctx, tokenHash)
	}
	return s.store.RevokeRefreshSession(ctx, tokenHash)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail delivers the account verification link. Fire and
// forget: mail failures never fail the signup.
func (s *Service) SendVerificationEmail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	verifyURL := s.cfg.AppBaseURL + "/verify-email?token=" + token
	go func() {
		if err := s.email.SendVerificationEmail(to, to, verifyURL); err != nil {
			log.Printf("app: send verification email: %v", err)
		}
	}()
}

// SendPasswordResetEmail delivers the password reset link.
func (s *Service) SendPasswordResetEmail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	resetURL := s.cfg.AppBaseURL + "/reset-password?token=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(to, to, resetURL); err != nil {
			log.Printf("app: send password reset email: %v", err)
		}
	}()
}
