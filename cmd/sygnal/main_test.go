package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wojtczak/sygnal/internal/domain"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"transient", domain.NewTransientError("fetch quotes", errors.New("timeout")), exitTransient},
		{"invariant", domain.NewInvariantError("bar rewrites history"), exitInvariant},
		{"config", domain.NewConfigError("no feeds enabled"), exitConfig},
		{"malformed", domain.NewMalformedError("unparseable payload"), exitConfig},
		{"unknown", errors.New("plain"), exitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
