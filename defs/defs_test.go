package defs

import "testing"

func TestMflags(t *testing.T) {
	tests := []struct {
		name    string
		flags   Mflag_t
		blockok bool
		panics  bool
	}{
		{"waitok", M_WAITOK, true, false},
		{"nowait", M_NOWAIT, false, false},
		{"zero defaults to waitok", M_ZERO, true, false},
		{"waitok and zero", M_WAITOK | M_ZERO, true, false},
		{"exclusive", M_WAITOK | M_NOWAIT, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); (r != nil) != tt.panics {
					t.Errorf("panic = %v, want %v", r, tt.panics)
				}
			}()
			if got := tt.flags.Blockok(); got != tt.blockok {
				t.Errorf("Blockok() = %v, want %v", got, tt.blockok)
			}
		})
	}
}
