// Package dicomweb converts catalog records to and from the DICOM JSON model
// (PS3.18 F.2), where each attribute is keyed by its eight digit tag and
// carries a VR and a Value array.
package dicomweb

import (
	"strconv"

	"pacs-server/internal/models"
)

// Attribute tags used by the catalog.
const (
	TagSOPClassUID                    = "00080016"
	TagSOPInstanceUID                 = "00080018"
	TagStudyDate                      = "00080020"
	TagStudyTime                      = "00080030"
	TagAccessionNumber                = "00080050"
	TagModality                       = "00080060"
	TagModalitiesInStudy              = "00080061"
	TagStudyDescription               = "00081030"
	TagSeriesDescription              = "0008103E"
	TagPatientName                    = "00100010"
	TagPatientID                      = "00100020"
	TagStudyInstanceUID               = "0020000D"
	TagSeriesInstanceUID              = "0020000E"
	TagSeriesNumber                   = "00200011"
	TagInstanceNumber                 = "00200013"
	TagNumberOfStudyRelatedSeries     = "00201206"
	TagNumberOfStudyRelatedInstances  = "00201208"
	TagNumberOfSeriesRelatedInstances = "00201209"
	TagRows                           = "00280010"
	TagColumns                        = "00280011"
)

// Attribute is one DICOM JSON attribute. Value is omitted for empty
// attributes.
type Attribute struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

// Dataset is a tag-keyed DICOM JSON object.
type Dataset map[string]Attribute

// PersonName is the JSON form of a PN value.
type PersonName struct {
	Alphabetic string `json:"Alphabetic,omitempty"`
}

func (d Dataset) setString(tag, vr, value string) {
	if value == "" {
		d[tag] = Attribute{VR: vr}
		return
	}
	d[tag] = Attribute{VR: vr, Value: []any{value}}
}

func (d Dataset) setStrings(tag, vr string, values []string) {
	attr := Attribute{VR: vr}
	for _, v := range values {
		attr.Value = append(attr.Value, v)
	}
	d[tag] = attr
}

func (d Dataset) setInt(tag, vr string, value int) {
	d[tag] = Attribute{VR: vr, Value: []any{value}}
}

func (d Dataset) setPersonName(tag, value string) {
	if value == "" {
		d[tag] = Attribute{VR: "PN"}
		return
	}
	d[tag] = Attribute{VR: "PN", Value: []any{PersonName{Alphabetic: value}}}
}

// EncodeStudy renders a study as a QIDO-RS study result.
func EncodeStudy(s models.Study) Dataset {
	d := Dataset{}
	d.setString(TagStudyInstanceUID, "UI", s.StudyInstanceUID)
	d.setString(TagStudyDate, "DA", s.StudyDate)
	d.setString(TagStudyTime, "TM", s.StudyTime)
	d.setString(TagAccessionNumber, "SH", s.AccessionNumber)
	d.setStrings(TagModalitiesInStudy, "CS", s.ModalitiesInStudy)
	d.setString(TagStudyDescription, "LO", s.StudyDescription)
	d.setPersonName(TagPatientName, s.PatientName)
	d.setString(TagPatientID, "LO", s.PatientID)
	d.setInt(TagNumberOfStudyRelatedSeries, "IS", s.NumberOfSeries)
	d.setInt(TagNumberOfStudyRelatedInstances, "IS", s.NumberOfInstances)
	return d
}

// EncodeSeries renders a series as a QIDO-RS series result.
func EncodeSeries(s models.Series) Dataset {
	d := Dataset{}
	d.setString(TagStudyInstanceUID, "UI", s.StudyInstanceUID)
	d.setString(TagSeriesInstanceUID, "UI", s.SeriesInstanceUID)
	d.setString(TagModality, "CS", s.Modality)
	d.setInt(TagSeriesNumber, "IS", s.SeriesNumber)
	d.setString(TagSeriesDescription, "LO", s.SeriesDescription)
	d.setInt(TagNumberOfSeriesRelatedInstances, "IS", s.NumberOfInstances)
	return d
}

// EncodeInstance renders an instance as a QIDO-RS instance result.
func EncodeInstance(i models.Instance) Dataset {
	d := Dataset{}
	d.setString(TagStudyInstanceUID, "UI", i.StudyInstanceUID)
	d.setString(TagSeriesInstanceUID, "UI", i.SeriesInstanceUID)
	d.setString(TagSOPInstanceUID, "UI", i.SOPInstanceUID)
	d.setString(TagSOPClassUID, "UI", i.SOPClassUID)
	d.setInt(TagInstanceNumber, "IS", i.InstanceNumber)
	d.setInt(TagRows, "US", i.Rows)
	d.setInt(TagColumns, "US", i.Columns)
	return d
}

// String returns the first value of tag as a string. Person names yield
// their alphabetic representation.
func (d Dataset) String(tag string) string {
	attr, ok := d[tag]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	switch v := attr.Value[0].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case PersonName:
		return v.Alphabetic
	case map[string]any:
		name, _ := v["Alphabetic"].(string)
		return name
	}
	return ""
}

// Strings returns all string values of tag.
func (d Dataset) Strings(tag string) []string {
	var values []string
	for _, v := range d[tag].Value {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

// Int returns the first value of tag as an integer. IS values sent as
// strings are accepted.
func (d Dataset) Int(tag string) int {
	attr, ok := d[tag]
	if !ok || len(attr.Value) == 0 {
		return 0
	}
	switch v := attr.Value[0].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// DecodeStudy reads a QIDO-RS study result.
func DecodeStudy(d Dataset) models.Study {
	return models.Study{
		StudyInstanceUID:  d.String(TagStudyInstanceUID),
		PatientID:         d.String(TagPatientID),
		PatientName:       d.String(TagPatientName),
		StudyDate:         d.String(TagStudyDate),
		StudyTime:         d.String(TagStudyTime),
		AccessionNumber:   d.String(TagAccessionNumber),
		StudyDescription:  d.String(TagStudyDescription),
		ModalitiesInStudy: d.Strings(TagModalitiesInStudy),
		NumberOfSeries:    d.Int(TagNumberOfStudyRelatedSeries),
		NumberOfInstances: d.Int(TagNumberOfStudyRelatedInstances),
	}
}

// DecodeSeries reads a QIDO-RS series result.
func DecodeSeries(d Dataset) models.Series {
	return models.Series{
		SeriesInstanceUID: d.String(TagSeriesInstanceUID),
		StudyInstanceUID:  d.String(TagStudyInstanceUID),
		Modality:          d.String(TagModality),
		SeriesNumber:      d.Int(TagSeriesNumber),
		SeriesDescription: d.String(TagSeriesDescription),
		NumberOfInstances: d.Int(TagNumberOfSeriesRelatedInstances),
	}
}

// DecodeInstance reads a QIDO-RS instance result.
func DecodeInstance(d Dataset) models.Instance {
	return models.Instance{
		SOPInstanceUID:    d.String(TagSOPInstanceUID),
		SeriesInstanceUID: d.String(TagSeriesInstanceUID),
		StudyInstanceUID:  d.String(TagStudyInstanceUID),
		SOPClassUID:       d.String(TagSOPClassUID),
		InstanceNumber:    d.Int(TagInstanceNumber),
		Rows:              d.Int(TagRows),
		Columns:           d.Int(TagColumns),
	}
}
