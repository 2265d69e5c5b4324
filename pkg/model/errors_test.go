package model_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("503 service unavailable")

	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{name: "nil"},
		{name: "transient", err: model.Transient(cause, "embed"), wantTransient: true},
		{name: "wrapped transient", err: fmt.Errorf("upsert: %w", model.Transient(cause, "index")), wantTransient: true},
		{name: "backend deadline", err: fmt.Errorf("search: %w", context.DeadlineExceeded), wantTransient: true},
		{name: "permanent", err: model.Permanent(cause, "bad payload"), wantPermanent: true},
		{name: "permanent wins over transient", err: errors.Join(model.ErrTransientBackend, model.ErrPermanentEvent), wantPermanent: true},
		{name: "unclassified", err: cause, wantPermanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTransient, model.IsTransient(tt.err))
			assert.Equal(t, tt.wantPermanent, model.IsPermanent(tt.err))
		})
	}
}

func TestTransientAndPermanentKeepCause(t *testing.T) {
	cause := errors.New("boom")

	assert.ErrorIs(t, model.Transient(cause, "x"), cause)
	assert.ErrorIs(t, model.Permanent(cause, "x"), cause)
	assert.NoError(t, model.Transient(nil, "x"))
	assert.NoError(t, model.Permanent(nil, "x"))
}
