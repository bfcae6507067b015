package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/users"
)

// Authenticate verifies token and resolves its subject to a known user. Every
// rejection wraps domain.ErrAuthentication; a directory outage is returned as
// is so the transport can answer 503 instead of 401.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	sub, err := s.tokens.Validate(token)
	if err != nil {
		s.metrics.Handshakes.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	u, err := s.users.Lookup(ctx, sub)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			s.metrics.Handshakes.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: unknown subject", domain.ErrAuthentication)
		}
		s.metrics.Handshakes.WithLabelValues("error").Inc()
		s.log.Error("user lookup failed during handshake", zap.String("user_id", sub), zap.Error(err))
		return nil, err
	}
	s.metrics.Handshakes.WithLabelValues("accepted").Inc()
	return u, nil
}

// VerifyToken checks a REST bearer token without the directory round trip.
func (s *Service) VerifyToken(token string) (string, error) {
	sub, err := s.tokens.Validate(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	return sub, nil
}
