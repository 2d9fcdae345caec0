package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAutorangeWorkers(t *testing.T) {
	tests := []struct {
		name        string
		boss, size  int
		includeBoss bool
		want        []WorkerID
		wantErr     bool
	}{
		{name: "exclude boss at 0", boss: 0, size: 4, want: []WorkerID{1, 2, 3}},
		{name: "exclude boss in the middle", boss: 2, size: 4, want: []WorkerID{0, 1, 3}},
		{name: "include boss", boss: 0, size: 3, includeBoss: true, want: []WorkerID{0, 1, 2}},
		{name: "single process including boss", boss: 0, size: 1, includeBoss: true, want: []WorkerID{0}},
		{name: "single process excluding boss", boss: 0, size: 1, wantErr: true},
		{name: "empty group", boss: 0, size: 0, includeBoss: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AutorangeWorkers(tt.boss, tt.size, tt.includeBoss)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoWorkers)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAutorangeJobs(t *testing.T) {
	assert.Equal(t, []JobID{}, AutorangeJobs(0))
	assert.Equal(t, []JobID{}, AutorangeJobs(-3))
	assert.Equal(t, []JobID{0, 1, 2, 3}, AutorangeJobs(4))
}
