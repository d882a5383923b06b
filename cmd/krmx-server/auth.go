package main

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/krmx/krmx-go/pkg/server"
)

// jwtAuthenticator rejects link attempts whose auth credential is not a
// valid HS256 token for the requested username. Verification runs deferred,
// off the broker's lock.
type jwtAuthenticator struct {
	secret []byte
	logger zerolog.Logger
}

func newJWTAuthenticator(secret string, logger zerolog.Logger) *jwtAuthenticator {
	return &jwtAuthenticator{secret: []byte(secret), logger: logger}
}

func (a *jwtAuthenticator) attach(srv *server.Server) error {
	_, err := srv.Events().Authenticate.On(func(req *server.AuthRequest) error {
		username, token := req.Username, req.Auth
		req.Defer(func() error {
			if err := a.verify(username, token); err != nil {
				a.logger.Debug().Err(err).Str("username", username).Msg("authentication failed")
				return errors.New("authentication failed")
			}
			return nil
		})
		return nil
	})
	return err
}

func (a *jwtAuthenticator) verify(username, tokenString string) error {
	if tokenString == "" {
		return errors.New("missing token")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	if claims.Subject != username {
		return fmt.Errorf("token subject %q does not match username %q", claims.Subject, username)
	}
	return nil
}
