package couchdbtest

import (
	"net/url"
	"strings"
	"time"
)

const replicatorDB = "_replicator"

// localDB resolves a replication endpoint to a database of this server.
// Endpoints are plain names or URLs pointing at the server.
func (s *Server) localDB(endpoint string) (string, bool) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, endpoint != ""
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false
	}
	self, err := url.Parse(s.URL)
	if err != nil || u.Host != self.Host {
		return "", false
	}
	name := strings.Trim(u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// scheduleReplication runs the job described by a _replicator document
// after the replication delay and records the outcome in the document.
// Called with s.mu held.
func (s *Server) scheduleReplication(id string, job Doc) {
	source, _ := job["source"].(string)
	target, _ := job["target"].(string)
	createTarget, _ := job["create_target"].(bool)

	go func() {
		time.Sleep(s.replicationDelay)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		state, reason := s.replicate(source, target, createTarget)
		rep, ok := s.dbs[replicatorDB]
		if !ok {
			return
		}
		doc, ok := rep.docs[id]
		if !ok || doc.deleted {
			return
		}
		body := doc.render()
		body["_replication_state"] = state
		if reason != "" {
			body["_replication_state_reason"] = reason
		}
		s.store(replicatorDB, rep, id, body, doc.rev, false)
	}()
}

// replicate copies every live document, design documents included,
// with its revision. Called with s.mu held.
func (s *Server) replicate(source, target string, createTarget bool) (state, reason string) {
	srcName, ok := s.localDB(source)
	if !ok {
		return "failed", "source is not on this server"
	}
	dstName, ok := s.localDB(target)
	if !ok {
		return "failed", "target is not on this server"
	}
	src, ok := s.dbs[srcName]
	if !ok {
		return "failed", "source database does not exist"
	}
	dst, ok := s.dbs[dstName]
	if !ok {
		if !createTarget {
			return "failed", "target database does not exist"
		}
		dst = newDatabase()
		s.dbs[dstName] = dst
	}
	for id, doc := range src.docs {
		if doc.deleted {
			continue
		}
		if cur, ok := dst.docs[id]; ok && cur.gen >= doc.gen {
			continue
		}
		copied := *doc
		copied.body = doc.render()
		delete(copied.body, "_id")
		delete(copied.body, "_rev")
		dst.docs[id] = &copied
		s.writes[dstName]++
	}
	return "completed", ""
}
