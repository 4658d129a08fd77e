package types

import "fmt"

// ObjectType says what kind of component a collection holds.
type ObjectType int

const (
	ObjectUnknown ObjectType = iota
	ObjectConcept
	ObjectSemantic
	ObjectLogicGraph
)

func (o ObjectType) String() string {
	switch o {
	case ObjectUnknown:
		return "Unknown"
	case ObjectConcept:
		return "Concept"
	case ObjectSemantic:
		return "Semantic"
	case ObjectLogicGraph:
		return "LogicGraph"
	}
	return fmt.Sprintf("ObjectType(%d)", int(o))
}

// VersionType is the schema of the versions stored in a collection.
type VersionType int

const (
	VersionUnknown VersionType = iota
	VersionConcept
	VersionDescription
	VersionComponentNid
	VersionString
	VersionLogicGraph
	VersionMembership
)

func (v VersionType) String() string {
	switch v {
	case VersionUnknown:
		return "Unknown"
	case VersionConcept:
		return "Concept"
	case VersionDescription:
		return "Description"
	case VersionComponentNid:
		return "ComponentNid"
	case VersionString:
		return "String"
	case VersionLogicGraph:
		return "LogicGraph"
	case VersionMembership:
		return "Membership"
	}
	return fmt.Sprintf("VersionType(%d)", int(v))
}

// Chronology is a component handed to the store for writing. The store never
// interprets VersionData; it is appended as one opaque version record.
type Chronology interface {
	Nid() int32
	AssemblageNid() int32
	ObjectType() ObjectType
	VersionType() VersionType
	// ReferencedComponentNid is the nid a semantic refers to, or 0 for components
	// that reference nothing.
	ReferencedComponentNid() int32
	VersionData() []byte
}

// DatastoreStatus is what startup found at the store root.
type DatastoreStatus int

const (
	NotYetChecked DatastoreStatus = iota
	NoDatastore
	ExistingDatastore
)

func (s DatastoreStatus) String() string {
	switch s {
	case NotYetChecked:
		return "NotYetChecked"
	case NoDatastore:
		return "NoDatastore"
	case ExistingDatastore:
		return "ExistingDatastore"
	}
	return "Unknown"
}
