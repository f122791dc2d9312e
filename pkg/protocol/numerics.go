package protocol

// Numeric reply codes. Names follow the conventional RFC 1459 labels for
// the subset of numerics this server emits.
const (
	RplWelcome  = "001"
	RplYourHost = "002"
	RplCreated  = "003"
	RplMyInfo   = "004"

	RplListStart  = "321"
	RplList       = "322"
	RplListEnd    = "323"
	RplNoTopic    = "331"
	RplTopic      = "332"
	RplNamReply   = "353"
	RplEndOfNames = "366"
	RplYoureOper  = "381"

	ErrNoSuchNick        = "401"
	ErrNoSuchChannel     = "403"
	ErrCannotSendToChan  = "404"
	ErrUnknownCommand    = "421"
	ErrNoNicknameGiven   = "431"
	ErrErroneusNickname  = "432"
	ErrNicknameInUse     = "433"
	ErrUserNotInChannel  = "441"
	ErrNotOnChannel      = "442"
	ErrNotRegistered     = "451"
	ErrNeedMoreParams    = "461"
	ErrAlreadyRegistered = "462"
	ErrPasswdMismatch    = "464"
	ErrBannedFromServer  = "465"
	ErrBannedFromChan    = "474"
	ErrBadChannelKey     = "475"
	ErrNoPrivileges      = "481"
	ErrChanOPrivsNeeded  = "482"

	// RplTestingNotice is a non-standard numeric announcing that the
	// server runs in testing mode.
	RplTestingNotice = "999"
)
