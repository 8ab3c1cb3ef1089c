package filewatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestCloseWatcher(t *testing.T) {
	watchErr := errors.New("watch failed")
	closeErr := errors.New("close failed")

	tests := []struct {
		name    string
		err     error
		close   error
		want    []error
		wantNil bool
	}{
		{name: "clean close keeps nil", wantNil: true},
		{name: "clean close keeps error", err: watchErr, want: []error{watchErr}},
		{name: "close failure alone", close: closeErr, want: []error{closeErr}},
		{name: "close failure is combined", err: watchErr, close: closeErr, want: []error{watchErr, closeErr}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := closeWatcher(closer{err: tt.close}, tt.err)
			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}
			if tt.close != nil {
				assert.ErrorContains(t, err, "failed to close file watcher")
			}
		})
	}
}
