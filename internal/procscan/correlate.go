package procscan

import (
	"strings"
)

// Correlation maps session IDs to the process records that most plausibly
// drive them. Correlation is advisory: absence of a match never proves a
// session is closed (the user may be reading history with no process open).
type Correlation struct {
	bySession map[string]Record
}

// Correlate assigns each record to the session whose project path is the
// longest prefix of the record's working directory. Argument paths are
// consulted when the working directory matches nothing (a tool launched
// from elsewhere with the project passed as an argument). When several
// records land on one session, the youngest wins: the most recently
// started terminal is the one most likely driving the session.
func Correlate(records []Record, projectPaths map[string]string) *Correlation {
	c := &Correlation{bySession: make(map[string]Record)}

	for _, rec := range records {
		sessionID, ok := bestMatch(rec, projectPaths)
		if !ok {
			continue
		}
		if existing, dup := c.bySession[sessionID]; dup {
			if rec.StartedAt.Before(existing.StartedAt) {
				continue
			}
		}
		c.bySession[sessionID] = rec
	}
	return c
}

func bestMatch(rec Record, projectPaths map[string]string) (string, bool) {
	var bestID string
	bestLen := -1

	for id, project := range projectPaths {
		if project == "" {
			continue
		}
		if pathHasPrefix(rec.Cwd, project) && len(project) > bestLen {
			bestID = id
			bestLen = len(project)
		}
	}
	if bestLen >= 0 {
		return bestID, true
	}

	// Fall back to command-line arguments carrying the project path.
	for id, project := range projectPaths {
		if project == "" {
			continue
		}
		if strings.Contains(rec.CommandLine, project) && len(project) > bestLen {
			bestID = id
			bestLen = len(project)
		}
	}
	return bestID, bestLen >= 0
}

// pathHasPrefix reports whether path is dir or lives under dir, matching
// on path-segment boundaries so /home/a doesn't claim /home/ab.
func pathHasPrefix(path, dir string) bool {
	if path == dir {
		return true
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return strings.HasPrefix(path, dir)
}

// Match returns the record correlated to sessionID, if any.
func (c *Correlation) Match(sessionID string) (Record, bool) {
	rec, ok := c.bySession[sessionID]
	return rec, ok
}

// Has reports whether any record correlated to sessionID.
func (c *Correlation) Has(sessionID string) bool {
	_, ok := c.bySession[sessionID]
	return ok
}
