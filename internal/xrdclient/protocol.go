package xrdclient

// Wire messages exchanged with a data/redirector server, one frame per
// struct via frameWriter/frameReader. The request manager's own
// protocol, not xrootd's — this package only needs to look like a
// plausible backend to exercise requestmanager.Manager end to end.

type openRequest struct {
	Name        string
	Flags       int
	Perms       int
	TriedOpaque string
}

type openResponse struct {
	Accepted   bool
	SourceAddr string // data server to read from if Accepted
	DataServer string // server implicated on failure, for tried=
	LastURL    string // full redirect URL on failure
	Status     string
	Errno      int
	Code       int
}

type wireChunk struct {
	Offset int64
	Size   int
}

type readRequest struct {
	ID     string
	Chunks []wireChunk
}

type readResponse struct {
	BytesRead int64
	Errno     int
	Message   string
}
