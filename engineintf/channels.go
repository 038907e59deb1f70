package engineintf

import "fmt"

// ChannelKind is the kind of channel a message was received on (or is to be
// sent through).
type ChannelKind uint8

const (
	// ChannelLocal is used for messages generated on this device, for
	// example notifications between linked protocol instances.
	ChannelLocal ChannelKind = iota + 1

	// ChannelUserInterface carries responses to dialogs shown to the user.
	ChannelUserInterface

	// ChannelServerQuery carries responses to queries made to the server.
	ChannelServerQuery

	// ChannelAsymmetric is an unauthenticated direct delivery, encrypted to
	// the public key of the recipient but not bound to any sender.
	ChannelAsymmetric

	// ChannelSecure is an established, authenticated channel with a remote
	// identity (which may be one of our own other devices).
	ChannelSecure
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelLocal:
		return "local"
	case ChannelUserInterface:
		return "userinterface"
	case ChannelServerQuery:
		return "serverquery"
	case ChannelAsymmetric:
		return "asymmetric"
	case ChannelSecure:
		return "secure"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ReceptionChannel describes how a message actually arrived.
type ReceptionChannel struct {
	Kind ChannelKind

	// Remote is the authenticated remote identity. Only set for
	// ChannelSecure.
	Remote IdentityID
}

func (rc ReceptionChannel) String() string {
	if rc.Kind == ChannelSecure {
		return fmt.Sprintf("%s(%s)", rc.Kind, rc.Remote.String()[:16])
	}
	return rc.Kind.String()
}
