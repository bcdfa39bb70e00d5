package domain

import "slices"

// ContentKind tags the variant held by Content.
type ContentKind string

const (
	TextContent  ContentKind = "text"
	ImageContent ContentKind = "image"
)

// ImageRef points at an image stored by the caller. Side is "front" or "back".
type ImageRef struct {
	Side string `json:"side" yaml:"side"`
	Path string `json:"path" yaml:"path"`
}

// Content is the payload shown to the user. The scheduler never looks inside.
type Content struct {
	Kind     ContentKind `json:"kind"`
	Question string      `json:"question"`
	Answer   string      `json:"answer"`
	Context  string      `json:"context,omitempty"`
	Images   []ImageRef  `json:"images,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
}

// Clone returns a copy that shares no slices with c.
func (c Content) Clone() Content {
	out := c
	out.Images = slices.Clone(c.Images)
	out.Tags = slices.Clone(c.Tags)
	return out
}

// HasTag reports whether the content carries the given tag.
func (c Content) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}
