package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Send     key.Binding
	Stop     key.Binding
	NewChat  key.Binding
	ReadLast key.Binding
	Mute     key.Binding
	Copy     key.Binding
	Clear    key.Binding
	Sessions key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	Stop: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "stop"),
	),
	NewChat: key.NewBinding(
		key.WithKeys("ctrl+n"),
		key.WithHelp("ctrl+n", "new chat"),
	),
	ReadLast: key.NewBinding(
		key.WithKeys("ctrl+r"),
		key.WithHelp("ctrl+r", "read aloud"),
	),
	Mute: key.NewBinding(
		key.WithKeys("ctrl+t"),
		key.WithHelp("ctrl+t", "mute"),
	),
	Copy: key.NewBinding(
		key.WithKeys("ctrl+y"),
		key.WithHelp("ctrl+y", "copy"),
	),
	Clear: key.NewBinding(
		key.WithKeys("ctrl+l"),
		key.WithHelp("ctrl+l", "clear cache"),
	),
	Sessions: key.NewBinding(
		key.WithKeys("ctrl+s"),
		key.WithHelp("ctrl+s", "sessions"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "quit"),
	),
}

// pickerKeys apply while the session list is open.
type pickerKeyMap struct {
	Switch key.Binding
	Delete key.Binding
	Close  key.Binding
}

var pickerKeys = pickerKeyMap{
	Switch: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "switch")),
	Delete: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete")),
	Close:  key.NewBinding(key.WithKeys("esc", "ctrl+s"), key.WithHelp("esc", "close")),
}

func (k keyMap) help() []key.Binding {
	return []key.Binding{k.Send, k.Stop, k.NewChat, k.Sessions, k.ReadLast, k.Mute, k.Copy, k.Clear, k.Quit}
}
