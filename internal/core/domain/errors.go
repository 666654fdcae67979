package domain

import "errors"

var (
	ErrRoomNotFound             = errors.New("room not found")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrIncompatibleCapabilities = errors.New("incompatible capabilities")
	ErrAlreadyInRoom            = errors.New("peer already in a room")
	ErrNotInRoom                = errors.New("peer not in a room")
	ErrTransportConnected       = errors.New("transport already connected")
	ErrTransportClosed          = errors.New("transport closed")
	ErrConnectTimeout           = errors.New("transport connect timed out")
	ErrEngineClosed             = errors.New("media engine closed")
	ErrInvalidMediaKind         = errors.New("invalid media kind")
)
