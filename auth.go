package couchdb

import (
	"encoding/base64"
	"net/http"
	"net/url"
)

// Auth is implemented by HTTP authentication mechanisms.
type Auth interface {
	// AddAuth should add authentication information (e.g. headers)
	// to the given HTTP request.
	AddAuth(*http.Request)
}

type basicauth string

// BasicAuth returns an Auth that performs HTTP Basic Authentication.
func BasicAuth(username, password string) Auth {
	auth := []byte(username + ":" + password)
	hdr := "Basic " + base64.StdEncoding.EncodeToString(auth)
	return basicauth(hdr)
}

func (a basicauth) AddAuth(req *http.Request) {
	req.Header.Set("Authorization", string(a))
}

// userAuth derives BasicAuth from the userinfo of a server URL.
func userAuth(u *url.Userinfo) Auth {
	if u == nil {
		return nil
	}
	pass, _ := u.Password()
	return BasicAuth(u.Username(), pass)
}
