package util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	client    *http.Client
	Transport *http.Transport
)

func init() {
	Transport = &http.Transport{
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
	client = &http.Client{Transport: Transport}
}

// HttpStatusError is a response with a status other than 200.
type HttpStatusError struct {
	Url        string
	StatusCode int
	Status     string
}

func (e *HttpStatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Url, e.Status)
}

// IsServerError reports a 5xx response, which is worth retrying.
func (e *HttpStatusError) IsServerError() bool {
	return e.StatusCode >= 500
}

func MkUrl(host, path string, args url.Values) string {
	u, err := url.Parse(NormalizeUrl(host))
	if err != nil {
		u = &url.URL{Scheme: "http", Host: host}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if args != nil {
		u.RawQuery = args.Encode()
	}
	return u.String()
}

// GetJson fetches url and decodes the json body into ret. A nil httpClient
// uses the shared client.
func GetJson(ctx context.Context, httpClient *http.Client, url string, ret interface{}) error {
	if httpClient == nil {
		httpClient = client
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	r, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		io.Copy(io.Discard, r.Body)
		return &HttpStatusError{Url: url, StatusCode: r.StatusCode, Status: r.Status}
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r.Body).Decode(ret); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func NormalizeUrl(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return "http://" + url
}
