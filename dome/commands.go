package dome

import "fmt"

// Controller command vocabulary. Lines are CR/LF terminated by the link.
const (
	cmdPing        = "PING"
	cmdStatus      = "STATUS"
	cmdHomeStatus  = "HOME?"
	cmdParkStatus  = "PARK?"
	cmdOpen        = "OPEN"
	cmdClose       = "CLOSE"
	cmdFindHome    = "FINDHOME"
	cmdPark        = "PARK"
	cmdStop        = "STOP"
	cmdRestart     = "RESTART"
	defaultAckWord = "A"
)

func slewCommand(az float64) string {
	return fmt.Sprintf("GOTO %05.1f", az)
}

// commandFor returns the wire command that starts intent.
func commandFor(intent Intent, target float64) (string, error) {
	switch intent {
	case IntentOpenShutter:
		return cmdOpen, nil
	case IntentCloseShutter:
		return cmdClose, nil
	case IntentGoHome:
		return cmdFindHome, nil
	case IntentPark:
		return cmdPark, nil
	case IntentSlewAzimuth:
		return slewCommand(target), nil
	}
	return "", fmt.Errorf("no command for intent %v", intent)
}
