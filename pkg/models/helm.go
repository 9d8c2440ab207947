package models

// RepositoryInfo identifies one chart repository in the gateway's local list
type RepositoryInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// AddUpdateRepoRequest is the body for adding or updating a chart repository
type AddUpdateRepoRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ListRepoResponse wraps the repository list
type ListRepoResponse struct {
	Repositories []RepositoryInfo `json:"repositories"`
}
