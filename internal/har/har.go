// Package har resolves a browser-exported HAR (HTTP Archive) capture
// to a single direct download URL, following any redirect chain
// recorded in the capture, so a job can be added from a HAR file
// instead of a raw URL.
package har

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ResolvedSpec is the outcome of resolving a HAR file: the direct URL
// to download and, when requested, the Cookie header observed on the
// final request.
type ResolvedSpec struct {
	URL     string
	Headers map[string]string
}

type harFile struct {
	Log struct {
		Entries []harEntry `json:"entries"`
	} `json:"log"`
}

type harEntry struct {
	Request  harRequest  `json:"request"`
	Response harResponse `json:"response"`
}

type harRequest struct {
	URL     string      `json:"url"`
	Headers []harHeader `json:"headers"`
}

type harResponse struct {
	Status      int         `json:"status"`
	RedirectURL string      `json:"redirectURL"`
	Headers     []harHeader `json:"headers"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func headerValue(headers []harHeader, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Resolve reads the HAR file at path and follows its redirect chain
// (301/302/307/308 entries, by redirectURL or a Location header) to
// find the final direct URL. If includeCookies is true, the Cookie
// header on the request matching that final URL is carried into the
// returned headers for cookie-gated CDNs.
func Resolve(path string, includeCookies bool) (ResolvedSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ResolvedSpec{}, fmt.Errorf("read HAR file %s: %w", path, err)
	}
	var har harFile
	if err := json.Unmarshal(data, &har); err != nil {
		return ResolvedSpec{}, fmt.Errorf("parse HAR JSON %s: %w", path, err)
	}
	entries := har.Log.Entries
	if len(entries) == 0 {
		return ResolvedSpec{}, fmt.Errorf("HAR file %s has no entries", path)
	}

	finalURL := entries[0].Request.URL
	for _, entry := range entries {
		status := entry.Response.Status
		if !isRedirectStatus(status) {
			continue
		}
		if entry.Response.RedirectURL != "" {
			finalURL = strings.TrimSpace(entry.Response.RedirectURL)
			continue
		}
		if loc, ok := headerValue(entry.Response.Headers, "Location"); ok {
			finalURL = strings.TrimSpace(loc)
		}
	}

	finalIndex := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Request.URL == finalURL {
			finalIndex = i
			break
		}
	}

	headers := make(map[string]string)
	if includeCookies {
		if cookie, ok := headerValue(entries[finalIndex].Request.Headers, "Cookie"); ok && cookie != "" {
			headers["Cookie"] = cookie
		}
	}

	return ResolvedSpec{URL: finalURL, Headers: headers}, nil
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 307, 308:
		return true
	default:
		return false
	}
}
