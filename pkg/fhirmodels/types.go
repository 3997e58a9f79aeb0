package fhirmodels

// Terminology and value set constants shared by the dose engine and the
// resources it writes back to the FHIR store.

// Code systems.
const (
	SystemLOINC               = "http://loinc.org"
	SystemUCUM                = "http://unitsofmeasure.org"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
)

// Body weight observation coding.
const (
	LOINCBodyWeight        = "29463-7"
	LOINCBodyWeightDisplay = "Body weight"
)

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns = "vital-signs"
)

// ObservationStatus values per FHIR R4.
const (
	ObsStatusFinal   = "final"
	ObsStatusAmended = "amended"
)

// UCUM units used by the service.
const (
	UnitKilogram = "kg"
	UnitMBq      = "MBq"
)

// MedicationRequest status and intent values per FHIR R4.
const (
	MedReqStatusDraft  = "draft"
	MedReqStatusActive = "active"
	MedReqIntentOrder  = "order"
	MedReqIntentPlan   = "plan"
)

// Resource type names.
const (
	ResourceObservation       = "Observation"
	ResourceServiceRequest    = "ServiceRequest"
	ResourceMedicationRequest = "MedicationRequest"
	ResourcePatient           = "Patient"
)

// PatientReference returns the literal reference for a patient id.
func PatientReference(id string) string {
	return ResourcePatient + "/" + id
}
