package tile

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
)

// TileHost serves the signed tiles
const TileHost = "lh3.googleusercontent.com"

// signingKey is the fixed secret the tile service expects signatures under
var signingKey = [8]byte{123, 43, 78, 35, 222, 44, 197, 197}

// ComputeURL returns the signed URL of tile (x, y) at zoom z
func ComputeURL(path, token string, x, y uint32, z Zoom) string {
	return SignURL(TileHost, path, token, x, y, z)
}

// SignURL is ComputeURL against an arbitrary host
func SignURL(host, path, token string, x, y uint32, z Zoom) string {
	suffix := make([]byte, 0, 40)
	suffix = append(suffix, "=x"...)
	suffix = strconv.AppendUint(suffix, uint64(x), 10)
	suffix = append(suffix, "-y"...)
	suffix = strconv.AppendUint(suffix, uint64(y), 10)
	suffix = append(suffix, "-z"...)
	suffix = strconv.AppendUint(suffix, uint64(z), 10)
	suffix = append(suffix, "-t"...)

	mac := hmac.New(sha1.New, signingKey[:])
	mac.Write([]byte(path))
	mac.Write(suffix)
	mac.Write([]byte(token))

	return "https://" + host + "/" + path + string(suffix) +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// URL returns the signed URL of addr for this credential on the given host.
// An empty host falls back to the host of Path, then to TileHost.
func (c Credential) URL(host string, addr Address) string {
	if host == "" {
		host = c.Host()
	}
	if host == "" {
		host = TileHost
	}
	return SignURL(host, c.ImagePath(), c.Token, addr.X, addr.Y, addr.Z)
}
