package model

// TransportKind selects which concrete DeliveryTransport implementation a
// target server uses.
type TransportKind string

const (
	TransportLocal TransportKind = "local"
	TransportS3    TransportKind = "s3"
	TransportMinio TransportKind = "minio"
)

// TargetServer is a persisted storage destination. concurrencyPerServer is
// a property of the record itself (spec §9 design note), not a global
// constant, so different destinations can carry different capacities.
type TargetServer struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	TransportKind        TransportKind `json:"transportKind"`
	RootPath             string        `json:"rootPath"`
	ConcurrencyPerServer int           `json:"concurrencyPerServer"`

	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	UseSSL    bool   `json:"useSsl,omitempty"`
}

// DefaultConcurrencyPerServer is used when a server record leaves the field
// unset (spec §4.6.4 default of 3).
const DefaultConcurrencyPerServer = 3

// Concurrency returns the server's configured concurrency, falling back to
// the spec default when unset.
func (t *TargetServer) Concurrency() int {
	if t.ConcurrencyPerServer <= 0 {
		return DefaultConcurrencyPerServer
	}
	return t.ConcurrencyPerServer
}
