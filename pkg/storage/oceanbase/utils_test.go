package oceanbase

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorLiteral(t *testing.T) {
	in := []float64{0.125, -1, 3.5e-7}
	s := vectorToString(in)
	assert.Equal(t, "[0.125,-1,3.5e-07]", s)

	out, err := stringToVector(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := stringToVector("[]")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = stringToVector("[1,abc]")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"lock wait", &mysql.MySQLError{Number: 1205}, true},
		{"duplicate key", &mysql.MySQLError{Number: 1062}, false},
		{"bad connection", mysql.ErrInvalidConn, true},
		{"unknown", errors.New("network blip"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err, "op")
			assert.Equal(t, tt.transient, model.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, maxLimit, clampLimit(0))
	assert.Equal(t, maxLimit, clampLimit(maxLimit+1))
	assert.Equal(t, 20, clampLimit(20))
}
