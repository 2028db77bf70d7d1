package sockaddr

import "testing"

func TestEnsurePort(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/tmp/s.sock", "/tmp/s.sock"},
		{"1.2.3.4", "1.2.3.4:0"},
		{"1.2.3.4:80", "1.2.3.4:80"},
		{"::1", "[::1]:0"},
		{"[::1]", "[::1]:0"},
		{"[::1]:443", "[::1]:443"},
	}
	for _, c := range cases {
		if got := EnsurePort(c.in); got != c.want {
			t.Errorf("EnsurePort(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// TestEnsurePortDomain checks that for every input, the output is one
// of x, x+":0", or "["+x+"]:0".
func TestEnsurePortDomain(t *testing.T) {
	inputs := []string{
		"/var/run/spiped.sock", "example.com", "example.com:9999",
		"2001:db8::1", "[2001:db8::1]", "[2001:db8::1]:22", "",
	}
	for _, in := range inputs {
		got := EnsurePort(in)
		if got != in && got != in+":0" && got != "["+in+"]:0" {
			t.Errorf("EnsurePort(%q) = %q is not one of the three expected forms", in, got)
		}
	}
}
