package recording

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"vms-recorder/database"
)

// Source is the resolved capture input of a camera
type Source struct {
	URL      string
	StreamID string
	Repaired bool // URL was rebuilt from camera or server fields
}

// manufacturerPaths maps a lower-cased manufacturer to its main-stream RTSP
// path and query.
var manufacturerPaths = map[string]struct{ path, query string }{
	"hikvision": {"/Streaming/Channels/101", ""},
	"dahua":     {"/cam/realmonitor", "channel=1&subtype=0"},
	"amcrest":   {"/cam/realmonitor", "channel=1&subtype=0"},
	"reolink":   {"/h264Preview_01_main", ""},
	"axis":      {"/axis-media/media.amp", ""},
}

// ResolveSource picks the URL a capture should pull from. An explicit rtsp
// stream wins, then the camera's own source URL, then any other stream. A
// URL that only points back at the VMS proxy is rebuilt from the camera's
// connection fields or the server's restreamer. server may be nil.
func ResolveSource(cam database.Camera, streams []database.CameraStream, server *database.Server) (Source, error) {
	src := pickSource(cam, streams)

	if src.URL != "" && !isProxyPlaceholder(src.URL) {
		return src, nil
	}

	if u := manufacturerURL(cam); u != "" {
		return Source{URL: u, StreamID: src.StreamID, Repaired: true}, nil
	}
	if u := restreamURL(cam, server); u != "" {
		return Source{URL: u, StreamID: src.StreamID, Repaired: true}, nil
	}
	return Source{}, ErrNoSourceURL
}

func pickSource(cam database.Camera, streams []database.CameraStream) Source {
	var firstRTSP, firstAny *database.CameraStream
	for i := range streams {
		st := &streams[i]
		if st.URL == "" {
			continue
		}
		if st.Kind == database.StreamRTSP || strings.HasPrefix(strings.ToLower(st.URL), "rtsp") {
			if firstRTSP == nil || (st.IsDefault && !firstRTSP.IsDefault) {
				firstRTSP = st
			}
		}
		if firstAny == nil || (st.IsDefault && !firstAny.IsDefault) {
			firstAny = st
		}
	}

	switch {
	case firstRTSP != nil:
		return Source{URL: firstRTSP.URL, StreamID: firstRTSP.ID}
	case cam.SourceURL != "":
		return Source{URL: cam.SourceURL, StreamID: cam.ID}
	case firstAny != nil:
		return Source{URL: firstAny.URL, StreamID: firstAny.ID}
	}
	return Source{StreamID: cam.ID}
}

// isProxyPlaceholder reports whether raw is a relative path, has no host,
// or routes through the VMS's own proxy or API.
func isProxyPlaceholder(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	if u.Host == "" || !u.IsAbs() {
		return true
	}
	p := strings.ToLower(u.Path)
	return strings.Contains(p, "/proxy/") || strings.HasPrefix(p, "/api/")
}

func manufacturerURL(cam database.Camera) string {
	if cam.Host == "" {
		return ""
	}
	tmpl, ok := manufacturerPaths[strings.ToLower(strings.TrimSpace(cam.Manufacturer))]
	if !ok {
		return ""
	}
	port := cam.Port
	if port <= 0 {
		port = 554
	}
	u := url.URL{
		Scheme:   "rtsp",
		Host:     net.JoinHostPort(cam.Host, strconv.Itoa(port)),
		Path:     tmpl.path,
		RawQuery: tmpl.query,
	}
	if cam.Username != "" {
		u.User = url.UserPassword(cam.Username, cam.Password)
	}
	return u.String()
}

func restreamURL(cam database.Camera, server *database.Server) string {
	if server == nil || server.Host == "" || cam.Name == "" {
		return ""
	}
	port := server.RestreamPort
	if port <= 0 {
		port = 8554
	}
	u := url.URL{
		Scheme: "rtsp",
		Host:   net.JoinHostPort(server.Host, strconv.Itoa(port)),
		Path:   "/" + cam.Name,
	}
	return u.String()
}

// RedactURL hides the password of a source URL for logging
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
