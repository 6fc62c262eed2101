package tailor

import "errors"

// Feedback messages shown to the user.
const (
	FeedbackAuthenticating = "Backend initialized. Authenticating..."
	FeedbackFetching       = "Fetching customer data..."
	FeedbackLoaded         = "Data loaded successfully."
	FeedbackSignedOut      = "Signed out. Waiting for a new session..."
	FeedbackMissingFields  = "Please fill in both name and phone number."
	FeedbackAdding         = "Adding new customer..."
	FeedbackAdded          = "Customer added successfully!"
)

// AuthErrorFeedback is the feedback for an AuthFailure.
func AuthErrorFeedback(err error) string {
	return "Error: " + causeMessage(err)
}

// LoadErrorFeedback is the feedback for a SubscriptionError.
func LoadErrorFeedback(err error) string {
	return "Error loading data: " + causeMessage(err)
}

// AddErrorFeedback is the feedback for a WriteFailure.
func AddErrorFeedback(err error) string {
	return "Failed to add customer: " + causeMessage(err)
}

// causeMessage strips the typed wrapper so the user sees the underlying reason.
func causeMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	if inner := errors.Unwrap(err); inner != nil {
		switch err.(type) {
		case *AuthFailure, *SubscriptionError, *WriteFailure:
			return inner.Error()
		}
	}
	return err.Error()
}
