package container

import "testing"

func TestContainerNameDeterministic(t *testing.T) {
	a := ContainerName("proj", "node1", "echo", 3)
	b := ContainerName("proj", "node1", "echo", 3)
	if a != b {
		t.Fatalf("ContainerName is not deterministic: %q != %q", a, b)
	}
	if want := "ce_proj_node1_service_3_echo"; a != want {
		t.Fatalf("got %q, want %q", a, want)
	}
}

func TestContainerNameDistinguishesInstances(t *testing.T) {
	if ContainerName("proj", "node1", "echo", 1) == ContainerName("proj", "node1", "echo", 2) {
		t.Fatal("different instances produced the same container name")
	}
}
