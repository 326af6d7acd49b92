package models

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&Session{},
		&Brief{},
		&Card{},
		&Order{},
		&SystemEvent{},
		&IdempotencyKey{},
		&DeadLetter{},
		&DeliveryToken{},
		&DownloadAttempt{},
	}
}
