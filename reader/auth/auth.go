package auth

import (
	"context"
	"fmt"
	"strings"

	"brokerstream/config"
	"brokerstream/internal/template"
	"brokerstream/logger"
)

// Authenticate builds a Session for cfg and runs its auth strategy. Steps run
// strictly in order; the first failure aborts with an *AuthError.
func Authenticate(ctx context.Context, cfg config.BrokerConfig) (*Session, error) {
	s := NewSession(cfg)
	log := s.log.WithBroker("auth", cfg.Name).WithFields(logger.Fields{"template": cfg.BrokerTemplate})

	if cfg.IsMultiStep() {
		for i, step := range cfg.Auth.Steps {
			if _, err := s.RunStep(ctx, step, nil); err != nil {
				log.WithError(err).WithFields(logger.Fields{"step": i + 1, "name": step.Name}).Error("authentication step failed")
				return nil, &AuthError{Broker: cfg.Name, Step: i + 1, Name: step.Name, Err: err}
			}
		}
		log.WithFields(logger.Fields{"steps": len(cfg.Auth.Steps), "vars": s.Vars.Len()}).Info("authenticated")
		return s, nil
	}

	if err := s.bindToken(cfg.Auth); err != nil {
		log.WithError(err).Error("token binding failed")
		return nil, &AuthError{Broker: cfg.Name, Step: 0, Name: "token", Err: err}
	}
	log.Info("token bound")
	return s, nil
}

// bindToken implements the bearer and direct-token strategies. The token
// comes from auth.token (templated) or the AccessToken variable.
func (s *Session) bindToken(a config.AuthConfig) error {
	token := ""
	if a.Token != "" {
		token = strings.TrimSpace(template.Resolve(a.Token, s, nil))
	}
	if token == "" {
		token, _ = s.Lookup("AccessToken")
	}
	if token == "" {
		return fmt.Errorf("no access token configured")
	}
	s.Vars.Set("AccessToken", token)

	header := a.Header
	if header == "" {
		header = "Authorization"
	}
	if strings.EqualFold(header, "Authorization") {
		scheme := a.Scheme
		if scheme == "" {
			scheme = "Bearer"
		}
		s.headers.set("Authorization", scheme+" "+token)
	} else {
		s.SetDefaultHeader(header, token)
	}
	if s.DefaultHeader("Accept") == "" {
		s.headers.set("Accept", "application/json; charset=utf-8")
	}
	return nil
}
