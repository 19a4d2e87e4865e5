package router

// ServiceDescriptor is the admitted-configuration side of a service name:
// the shared token new instances must present and how many instances the
// deployment is scaled to (spec §4.3 "connect").
type ServiceDescriptor struct {
	Token string
	Scale int64

	// MinVersion, if set, is the minimum semver (e.g. "v1.4.0") a connecting
	// instance's connect params.version must satisfy, mirroring
	// pkg/atlas/server.go's API0_MinimumLauncherVersion gate. Connections
	// with no version param are always admitted, matching the original's
	// untyped, optional connect params.
	MinVersion string
}

// NodeDescriptor is the admitted-configuration side of a peer kernel name
// (spec §4.3 "connect_node").
type NodeDescriptor struct {
	Token   string
	Address string
}

// Catalog resolves the service/node names the kernel has been configured to
// accept. It is satisfied by the kernel's registry of declared services and
// peers; kept as an interface here so this package never imports the kernel
// package that owns that configuration.
type Catalog interface {
	Service(name string) (ServiceDescriptor, bool, error)
	Node(name string) (NodeDescriptor, bool, error)
}
