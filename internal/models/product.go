package models

// Product describes one documentation corpus the backend can answer about. The
// field names follow the backend's wire shape so a products response can be
// passed through to the browser unchanged.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
}

// ProductList is the response shape of the backend's products endpoint.
type ProductList struct {
	Mode     string    `json:"mode"`
	Products []Product `json:"products"`
}
