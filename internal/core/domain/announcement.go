package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type AnnouncementKind string

const (
	AnnounceMessage       AnnouncementKind = "message"
	AnnounceVideoAdded    AnnouncementKind = "video_track_added"
	AnnounceAudioAdded    AnnouncementKind = "audio_track_added"
	AnnounceScreenAdded   AnnouncementKind = "screen_track_added"
	AnnounceVideoRemoved  AnnouncementKind = "video_track_removed"
	AnnounceAudioRemoved  AnnouncementKind = "audio_track_removed"
	AnnounceScreenRemoved AnnouncementKind = "screen_track_removed"
)

// TrackRole is the meaning of a media track that the transport itself does
// not carry.
type TrackRole string

const (
	TrackRoleCamera TrackRole = "camera"
	TrackRoleAudio  TrackRole = "audio"
	TrackRoleScreen TrackRole = "screen"
)

var (
	addedKinds = map[TrackRole]AnnouncementKind{
		TrackRoleCamera: AnnounceVideoAdded,
		TrackRoleAudio:  AnnounceAudioAdded,
		TrackRoleScreen: AnnounceScreenAdded,
	}
	removedKinds = map[TrackRole]AnnouncementKind{
		TrackRoleCamera: AnnounceVideoRemoved,
		TrackRoleAudio:  AnnounceAudioRemoved,
		TrackRoleScreen: AnnounceScreenRemoved,
	}
)

// Kind returns the media kind a track of role r carries
func (r TrackRole) Kind() MediaKind {
	if r == TrackRoleAudio {
		return MediaKindAudio
	}
	return MediaKindVideo
}

// AddedKind returns the announcement kind that introduces a track of role r
func AddedKind(r TrackRole) AnnouncementKind {
	return addedKinds[r]
}

// RemovedKind returns the announcement kind that retires a track of role r
func RemovedKind(r TrackRole) AnnouncementKind {
	return removedKinds[r]
}

func (k AnnouncementKind) Valid() bool {
	if k == AnnounceMessage {
		return true
	}
	_, ok := k.Role()
	return ok
}

func (k AnnouncementKind) IsAdded() bool {
	return strings.HasSuffix(string(k), "_added") && k.Valid()
}

func (k AnnouncementKind) IsRemoved() bool {
	return strings.HasSuffix(string(k), "_removed") && k.Valid()
}

// Role returns the track role a track announcement refers to
func (k AnnouncementKind) Role() (TrackRole, bool) {
	for role, kind := range addedKinds {
		if kind == k {
			return role, true
		}
	}
	for role, kind := range removedKinds {
		if kind == k {
			return role, true
		}
	}
	return "", false
}

// Announcement travels over the direct channel. Value is the track ID for
// track kinds and the chat text for message.
type Announcement struct {
	Kind  AnnouncementKind `json:"type"`
	Value string           `json:"value"`
}

func ParseAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}
	if !a.Kind.Valid() {
		return Announcement{}, fmt.Errorf("%w: unknown type %q", ErrMalformedAnnouncement, a.Kind)
	}
	if a.Kind != AnnounceMessage && a.Value == "" {
		return Announcement{}, fmt.Errorf("%w: %s without track id", ErrMalformedAnnouncement, a.Kind)
	}
	return a, nil
}

func (a Announcement) Marshal() ([]byte, error) {
	if !a.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedAnnouncement, a.Kind)
	}
	return json.Marshal(a)
}
