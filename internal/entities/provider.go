package entities

// Provider is a loyalty program an account balance can be proven against.
type Provider struct {
	ID           string            `json:"id" yaml:"id" db:"id"`
	Name         string            `json:"name" yaml:"name" db:"name"`
	LoginURL     string            `json:"login_url" yaml:"login_url" db:"login_url"`
	DashboardURL string            `json:"dashboard_url" yaml:"dashboard_url" db:"dashboard_url"`
	ItemType     string            `json:"item_type" yaml:"item_type" db:"item_type"`
	Selectors    map[string]string `json:"selectors" yaml:"selectors" db:"selectors"`
}
