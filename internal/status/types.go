package status

// Data is the template model for the status endpoint. Plain text keeps it
// usable from curl and monitoring scripts alike.
type Data struct {
	Tagline    string
	Version    string
	RunID      string
	ServerTime string

	Sessions    int
	SentPackets uint64
	RecvPackets uint64

	Rows []Row
}

// Row is one live session line.
type Row struct {
	Endpoint    string
	ConnectCode string
	ConnectedAt string
	LastSeen    string
}
