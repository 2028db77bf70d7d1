package sockaddr

import "testing"

func TestSerializeRoundTrip(t *testing.T) {
	cases := []Address{
		{Family: FamilyInet, SockType: SockStream, Name: []byte("127.0.0.1:1234")},
		{Family: FamilyInet6, SockType: SockStream, Name: []byte("[::1]:1234")},
		{Family: FamilyUnix, SockType: SockStream, Name: []byte("/tmp/spiped.sock")},
		{Family: FamilyUnix, SockType: SockStream, Name: []byte{}},
	}
	for _, a := range cases {
		buf := Serialize(a)
		got, err := Deserialize(buf)
		if err != nil {
			t.Fatalf("Deserialize: %v", err)
		}
		if !got.Equal(a) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, a)
		}
	}
}

func TestDeserializeTruncated(t *testing.T) {
	if _, err := Deserialize([]byte{1, 2, 3}); err == nil {
		t.Error("expected error on truncated buffer")
	}
}

func TestDeserializeLengthMismatch(t *testing.T) {
	buf := Serialize(Address{Family: FamilyInet, SockType: SockStream, Name: []byte("x")})
	if _, err := Deserialize(buf[:len(buf)-1]); err == nil {
		t.Error("expected error on length mismatch")
	}
}

func TestEqual(t *testing.T) {
	a := Address{Family: FamilyInet, SockType: SockStream, Name: []byte("1.2.3.4:80")}
	b := a.Clone()
	if !a.Equal(b) {
		t.Error("clone should be equal to original")
	}
	b.Name[0] = 'x'
	if a.Equal(b) {
		t.Error("mutating the clone should not affect the original, nor equal it afterward")
	}
}

func TestCloneList(t *testing.T) {
	as := []Address{
		{Family: FamilyInet, SockType: SockStream, Name: []byte("1.1.1.1:1")},
		{Family: FamilyInet, SockType: SockStream, Name: []byte("2.2.2.2:2")},
	}
	cloned := CloneList(as)
	if len(cloned) != len(as) {
		t.Fatalf("length mismatch")
	}
	for i := range as {
		if !as[i].Equal(cloned[i]) {
			t.Errorf("element %d not equal after clone", i)
		}
	}
	cloned[0].Name[0] = 'z'
	if as[0].Equal(cloned[0]) {
		t.Error("CloneList should deep-copy names")
	}
}

func TestSortPreferIPv4(t *testing.T) {
	as := []Address{
		{Family: FamilyInet6, Name: []byte("[::1]:1")},
		{Family: FamilyInet, Name: []byte("1.1.1.1:1")},
		{Family: FamilyUnix, Name: []byte("/tmp/a.sock")},
		{Family: FamilyInet, Name: []byte("2.2.2.2:2")},
	}
	sorted := SortPreferIPv4(as)
	if len(sorted) != len(as) {
		t.Fatalf("length changed: got %d, want %d", len(sorted), len(as))
	}
	if sorted[0].Family != FamilyInet || sorted[1].Family != FamilyInet {
		t.Fatalf("ipv4 addresses must sort first, got %+v", sorted)
	}
	if !sorted[0].Equal(as[1]) || !sorted[1].Equal(as[3]) {
		t.Errorf("relative order within the ipv4 partition must be preserved, got %+v", sorted)
	}
}

func TestResolveUnixPath(t *testing.T) {
	a, err := Resolve("/tmp/spiped.sock")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Family != FamilyUnix || string(a.Name) != "/tmp/spiped.sock" {
		t.Errorf("Resolve(unix path) = %+v", a)
	}
}

func TestResolveListOrderAndTrim(t *testing.T) {
	list, err := ResolveList("1.2.3.4:80, 5.6.7.8")
	if err != nil {
		t.Fatalf("ResolveList: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(list))
	}
	if Pretty(list[0]) != "[1.2.3.4]:80" {
		t.Errorf("first target = %v", Pretty(list[0]))
	}
	if Pretty(list[1]) != "[5.6.7.8]:0" {
		t.Errorf("second target = %v", Pretty(list[1]))
	}
}

func TestResolveListEmpty(t *testing.T) {
	if _, err := ResolveList("  , "); err == nil {
		t.Error("expected error on empty target list")
	}
}

func TestPretty(t *testing.T) {
	cases := []struct {
		a    Address
		want string
	}{
		{Address{Family: FamilyInet, Name: []byte("1.2.3.4:80")}, "[1.2.3.4]:80"},
		{Address{Family: FamilyInet6, Name: []byte("[::1]:443")}, "[::1]:443"},
		{Address{Family: FamilyUnix, Name: []byte("/tmp/x.sock")}, "/tmp/x.sock"},
		{Address{Family: 99, Name: []byte("whatever")}, "Unknown address"},
	}
	for _, c := range cases {
		if got := Pretty(c.a); got != c.want {
			t.Errorf("Pretty(%+v) = %q, want %q", c.a, got, c.want)
		}
	}
}
