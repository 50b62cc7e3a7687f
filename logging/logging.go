// Package logging provides the structured-field logging style shared by
// every component in this module, matching linkerd-linkerd2 and
// chaitanyaphalak-go-mcast, both of which build every log line through
// github.com/sirupsen/logrus rather than fmt.Println or the standard
// library's log package.
package logging

import "github.com/sirupsen/logrus"

// Base is the process-wide logrus instance. Tests may swap its output
// or level; production code should configure it once at startup.
var Base = logrus.StandardLogger()

// For returns an Entry pre-tagged with component, the convention every
// package in this module follows for its first log call in a function.
func For(component string) *logrus.Entry {
	return Base.WithField("component", component)
}
