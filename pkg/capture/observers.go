package capture

// Observers fans every event out to each observer in order
type Observers []Observer

var _ Observer = Observers(nil)

func (o Observers) RequestHeaders(flow *Flow) {
	for _, obs := range o {
		obs.RequestHeaders(flow)
	}
}

func (o Observers) Response(flow *Flow) {
	for _, obs := range o {
		obs.Response(flow)
	}
}

func (o Observers) StreamMessage(flow *Flow) {
	for _, obs := range o {
		obs.StreamMessage(flow)
	}
}

func (o Observers) StreamEnd(flow *Flow) {
	for _, obs := range o {
		obs.StreamEnd(flow)
	}
}
