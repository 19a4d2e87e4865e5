package directory

import "testing"

func TestServiceDirectoryRoundRobin(t *testing.T) {
	d := NewServiceDirectory()
	d.Put("echo", 1, 10)
	d.Put("echo", 2, 20)
	d.Put("echo", 3, 30)

	var seen []int
	for i := 0; i < 6; i++ {
		fd, err := d.Lookup("echo", nil)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		seen = append(seen, fd)
	}

	want := []int{10, 20, 30, 10, 20, 30}
	for i, fd := range seen {
		if fd != want[i] {
			t.Fatalf("round robin sequence mismatch at %d: got %v, want %v", i, seen, want)
		}
	}
}

func TestServiceDirectoryExplicitInstance(t *testing.T) {
	d := NewServiceDirectory()
	d.Put("echo", 1, 10)
	d.Put("echo", 2, 20)

	inst := int64(2)
	fd, err := d.Lookup("echo", &inst)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if fd != 20 {
		t.Fatalf("got fd %d, want 20", fd)
	}
}

func TestServiceDirectoryPutEvictsPriorFD(t *testing.T) {
	d := NewServiceDirectory()
	var evicted []int
	d.Evict = func(fd int) { evicted = append(evicted, fd) }

	d.Put("echo", 1, 10)
	prior, hadPrior := d.Put("echo", 1, 11)
	if !hadPrior || prior != 10 {
		t.Fatalf("expected prior fd 10, got %d (hadPrior=%v)", prior, hadPrior)
	}
	if len(evicted) != 1 || evicted[0] != 10 {
		t.Fatalf("expected fd 10 to be evicted, got %v", evicted)
	}
}

func TestServiceDirectoryRemoveIgnoresStaleFD(t *testing.T) {
	d := NewServiceDirectory()
	d.Put("echo", 1, 10)
	d.Put("echo", 1, 11) // re-auth, fd 10 is now stale

	// a stale disconnect of the evicted fd must not remove the live entry.
	d.Remove("echo", 1, 10)

	fd, err := d.Lookup("echo", nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if fd != 11 {
		t.Fatalf("stale Remove clobbered the live connection: got fd %d, want 11", fd)
	}
}

func TestServiceDirectoryLookupUnknownService(t *testing.T) {
	d := NewServiceDirectory()
	if _, err := d.Lookup("missing", nil); err == nil {
		t.Fatal("expected an error looking up an unregistered service")
	}
}
