package companion

import "time"

// Presenter is where the companion shows transient status bubbles. The web
// UI channel forwards them as tip/hide frames.
type Presenter interface {
	ShowTip(text string)
	Hide(after time.Duration)
}

type nopPresenter struct{}

func (nopPresenter) ShowTip(string)     {}
func (nopPresenter) Hide(time.Duration) {}
