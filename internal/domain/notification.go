package domain

// NotificationTitle is the title of every push notification.
const NotificationTitle = "Geepity"

// Notification bodies.
const (
	MsgFreeTenLeft     = "You have 10 free messages left in Geepity"
	MsgFreeUsedUp      = "Free messages used up — add your Z.ai key or go Pro"
	MsgProNearLimit    = "You've used 450 of 500 Pro messages this month"
	MsgProUsedUp       = "Pro messages used up for this month — resets on the 1st"
	MsgBillingIssue    = "There's an issue with your subscription payment. Please update your payment method."
	MsgProUsageRefresh = "Your 500 Pro messages have been refreshed!"
)

// FreeThreshold returns the notification body for a post-settlement free
// balance. Only the exact values 10 and 0 fire.
func FreeThreshold(remaining int) (string, bool) {
	switch remaining {
	case 10:
		return MsgFreeTenLeft, true
	case 0:
		return MsgFreeUsedUp, true
	}
	return "", false
}

// ProThreshold returns the notification body for a post-settlement pro
// usage count. Only the exact values 450 and 500 fire.
func ProThreshold(used int) (string, bool) {
	switch used {
	case 450:
		return MsgProNearLimit, true
	case ProMonthlyLimit:
		return MsgProUsedUp, true
	}
	return "", false
}
