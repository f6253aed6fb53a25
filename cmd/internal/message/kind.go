package message

// Kind is the tag of the message sum type. Payload carries at most the variant matching Kind.
type Kind string

const (
	KindText             Kind = "text"
	KindFile             Kind = "file"
	KindKeyboard         Kind = "keyboard"
	KindKeyboardResponse Kind = "keyboard_response"
	KindSticker          Kind = "sticker"
	KindInfo             Kind = "info"
	KindActionRequest    Kind = "action_request"
	KindContactRequest   Kind = "contact_request"
)

// Payload holds the kind-specific variant of a record.
type Payload struct {
	File             *File
	Keyboard         *Keyboard
	KeyboardResponse *KeyboardResponse
	Sticker          *Sticker
}

// File is an attachment descriptor. URL is already resolved against the service base URL.
type File struct {
	State        string
	ContentType  string
	Name         string
	GUID         string
	Size         int64
	URL          string
	ErrorType    string
	ErrorMessage string
}

// Keyboard is a bot keyboard.
type Keyboard struct {
	State            string
	Buttons          [][]Button
	ResponseButtonID string
}

// Button is one keyboard button.
type Button struct {
	ID   string
	Text string
}

// KeyboardResponse is the visitor's answer to a keyboard.
type KeyboardResponse struct {
	ButtonID   string
	ButtonText string
	MessageID  string
}

// Sticker references a sticker by ID.
type Sticker struct {
	ID int
}

func (p Payload) clone() Payload {
	var out Payload
	if p.File != nil {
		f := *p.File
		out.File = &f
	}
	if p.Keyboard != nil {
		k := *p.Keyboard
		k.Buttons = make([][]Button, len(p.Keyboard.Buttons))
		for i, row := range p.Keyboard.Buttons {
			k.Buttons[i] = append([]Button(nil), row...)
		}
		out.Keyboard = &k
	}
	if p.KeyboardResponse != nil {
		kr := *p.KeyboardResponse
		out.KeyboardResponse = &kr
	}
	if p.Sticker != nil {
		s := *p.Sticker
		out.Sticker = &s
	}
	return out
}
