package domain

// Job status values as stored in image_jobs.status.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Service identifiers as written by the producer side.
const (
	ServiceVirtualStaging = "virtual-staging"
	ServiceDeclutter      = "limpar-baguncca"
	ServicePhotoEnhance   = "foto-revista"
)

// ProviderClass groups services that share an external provider and its
// concurrency discipline.
type ProviderClass string

const (
	ClassEditImage    ProviderClass = "edit-image"
	ClassEnhanceImage ProviderClass = "enhance-image"
	ClassUnsupported  ProviderClass = "unsupported"
)

// ClassOf maps a service name to its provider class.
func ClassOf(service string) ProviderClass {
	switch service {
	case ServiceVirtualStaging, ServiceDeclutter:
		return ClassEditImage
	case ServicePhotoEnhance:
		return ClassEnhanceImage
	default:
		return ClassUnsupported
	}
}
