package models

// Study is a StudyInstanceUID scoped to at most one project. A nil ProjectID
// means the study is known but not assigned.
type Study struct {
	StudyInstanceUID  string
	ProjectID         *int64
	PatientID         string
	PatientName       string
	StudyDate         string
	StudyTime         string
	AccessionNumber   string
	StudyDescription  string
	ModalitiesInStudy []string
	NumberOfSeries    int
	NumberOfInstances int
}

type Series struct {
	SeriesInstanceUID string
	StudyInstanceUID  string
	Modality          string
	SeriesNumber      int
	SeriesDescription string
	NumberOfInstances int
}

type Instance struct {
	SOPInstanceUID    string
	SeriesInstanceUID string
	StudyInstanceUID  string
	SOPClassUID       string
	InstanceNumber    int
	Rows              int
	Columns           int
}

// Page bounds a listing. Results are ordered by ascending UID.
type Page struct {
	Limit  int
	Offset int
}

// OwningProjectID is the project the study is scoped to, nil when unassigned.
func (s Study) OwningProjectID() *int64 { return s.ProjectID }
