package db

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// ErrStoreClosed is returned by feed operations after Close.
var ErrStoreClosed = errors.New("jobstore/mongo: store closed")

// ConnectionError reports that the jobs collection could not be obtained.
// It is fatal for the operation that needed the collection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	msg := "failed to connect to the jobs collection in the database"
	if e.Op != "" {
		msg += " to " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WatchFault wraps a change stream failure observed by the feed loop.
type WatchFault struct {
	Err error
}

func (e *WatchFault) Error() string {
	return "MongoDB change stream for jobs is unavailable: " + e.Err.Error()
}

func (e *WatchFault) Unwrap() error { return e.Err }

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsDuplicateKeyError(err) {
		return true
	}
	return strings.Contains(err.Error(), "E11000")
}
