package remote

import (
	"net/url"
	"strings"

	"github.com/sglegalhelp/offlinesync/internal/models"
)

// collections maps entity types to their collection endpoint on the portal API.
var collections = map[models.EntityType]string{
	models.EntityDocument: "/api/documents",
	models.EntityTask:     "/api/dashboard/tasks",
	models.EntityDeadline: "/api/dashboard/deadlines",
	models.EntityProfile:  "/api/profile",
	models.EntityForm:     "/api/forms",
}

const (
	// DefaultFormEndpoint receives form submissions that don't name an endpoint.
	DefaultFormEndpoint = "/api/forms"
	// DefaultUploadEndpoint receives document uploads that don't name an endpoint.
	DefaultUploadEndpoint = "/api/documents/upload"
)

// CollectionPath returns the collection endpoint for an entity type.
// Unknown types fall back to /api/{entityType}.
func CollectionPath(entity models.EntityType) string {
	if p, ok := collections[entity]; ok {
		return p
	}
	return "/api/" + url.PathEscape(string(entity))
}

// ItemPath returns the endpoint of a single entity.
func ItemPath(entity models.EntityType, id string) string {
	return strings.TrimSuffix(CollectionPath(entity), "/") + "/" + url.PathEscape(id)
}
