package entity

import "time"

// Listing is the slice of a marketplace product the chat core needs. Listings
// live in the "products" collection owned by the catalogue.
type Listing struct {
	ID        string    `json:"id" firestore:"id"`
	SellerID  string    `json:"sellerId" firestore:"sellerId"`
	Name      string    `json:"name" firestore:"title"`
	Status    string    `json:"status,omitempty" firestore:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}
