package core

import "fmt"

// ContainerType identifies a level of the data hierarchy.
type ContainerType string

const (
	TypeGroup       ContainerType = "group"
	TypeProject     ContainerType = "project"
	TypeSession     ContainerType = "session"
	TypeAcquisition ContainerType = "acquisition"
	TypeAnalysis    ContainerType = "analysis"
	TypeCollection  ContainerType = "collection"
)

// fileOwners are the container types that can own files referenced by jobs.
var fileOwners = map[ContainerType]bool{
	TypeProject:     true,
	TypeSession:     true,
	TypeAcquisition: true,
	TypeAnalysis:    true,
	TypeCollection:  true,
}

// CanOwnFiles reports whether a FileRef may point into this container type.
func (t ContainerType) CanOwnFiles() bool {
	return fileOwners[t]
}

// ContainerRef points to a single container in the hierarchy.
type ContainerRef struct {
	Type ContainerType `json:"type"`
	ID   string        `json:"id"`
}

func (r ContainerRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// Validate checks that the reference is structurally complete.
func (r ContainerRef) Validate() error {
	if r.Type == "" || r.ID == "" {
		return fmt.Errorf("%w: container reference requires type and id", ErrInvalidJobSpec)
	}
	if !r.Type.CanOwnFiles() {
		return fmt.Errorf("%w: container type %q cannot hold job files", ErrInvalidJobSpec, r.Type)
	}
	return nil
}

// FileRef is an unresolved pointer to a named file inside a container.
// It is resolved against the container hierarchy at job-creation time;
// the engine does not guarantee the file still exists later.
type FileRef struct {
	Type ContainerType `json:"type"`
	ID   string        `json:"id"`
	Name string        `json:"name"`
}

// Container returns the container portion of the reference.
func (r FileRef) Container() ContainerRef {
	return ContainerRef{Type: r.Type, ID: r.ID}
}

func (r FileRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Type, r.ID, r.Name)
}

// Validate checks that the reference is structurally complete.
func (r FileRef) Validate() error {
	if err := r.Container().Validate(); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("%w: file reference requires a filename", ErrInvalidJobSpec)
	}
	return nil
}

// FileInfo describes a concrete, resolved file inside a container.
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}
