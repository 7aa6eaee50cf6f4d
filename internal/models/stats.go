package models

// CacheStats reports cache size and hit/miss counters.
type CacheStats struct {
	Entries    int     `json:"entries"`
	IndexSize  int     `json:"index_size"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Coalesced  int64   `json:"coalesced"`
	Threshold  float64 `json:"euclidean_threshold"`
	Dimensions int     `json:"embedding_dim"`
	IndexType  string  `json:"index_type"`
	StorePath  string  `json:"store_path"`
	StoreBytes int64   `json:"store_bytes"`
	InFlight   int     `json:"in_flight"`
}
