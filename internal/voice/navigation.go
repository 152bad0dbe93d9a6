package voice

import "context"

// Navigation is a request for the host UI to show a screen.
type Navigation struct {
	Screen string         `json:"screen"`
	Params map[string]any `json:"params,omitempty"`
}

// Navigator is the host UI's navigation sink.
type Navigator interface {
	Navigate(ctx context.Context, nav Navigation)
}

// NavigatorFunc adapts a function to [Navigator].
type NavigatorFunc func(ctx context.Context, nav Navigation)

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, nav Navigation) { f(ctx, nav) }

// Route identifies a screen. Tab, when set, must equal params["screen"] of
// the navigation (nested tab navigators).
type Route struct {
	Screen string `yaml:"screen"`
	Tab    string `yaml:"tab,omitempty"`
}

func (r Route) matches(nav Navigation) bool {
	if r.Screen != nav.Screen {
		return false
	}
	if r.Tab == "" {
		return true
	}
	tab, _ := nav.Params["screen"].(string)
	return tab == r.Tab
}

// DefaultAuthScreen is where protected navigation is redirected.
const DefaultAuthScreen = "AuthStart"

// DefaultProtectedRoutes require an authenticated user.
var DefaultProtectedRoutes = []Route{
	{Screen: "BookingSelectDate"},
	{Screen: "BookingSelectSlot"},
	{Screen: "BookingConfirm"},
	{Screen: "BookingSuccess"},
	{Screen: "AppointmentDetails"},
	{Screen: "AppointmentCancelConfirm"},
	{Screen: "AppointmentRescheduleSelectDate"},
	{Screen: "AppointmentRescheduleSelectSlot"},
	{Screen: "AppointmentRescheduleConfirm"},
	{Screen: "ProfileEdit"},
	{Screen: "MainTabs", Tab: "AppointmentsTab"},
	{Screen: "MainTabs", Tab: "ProfileTab"},
}

// Guard redirects protected navigation for anonymous users.
type Guard struct {
	Protected  []Route
	AuthScreen string
}

// Resolve returns the navigation to perform. Protected targets are replaced
// by the auth screen carrying the original target as "redirect".
func (g Guard) Resolve(nav Navigation, authenticated bool) Navigation {
	if authenticated || !g.isProtected(nav) {
		return nav
	}
	screen := g.authScreen()
	redirect := map[string]any{"screen": nav.Screen}
	if nav.Params != nil {
		redirect["params"] = nav.Params
	}
	return Navigation{Screen: screen, Params: map[string]any{"redirect": redirect}}
}

func (g Guard) isProtected(nav Navigation) bool {
	for _, r := range g.Protected {
		if r.matches(nav) {
			return true
		}
	}
	return false
}

func (g Guard) authScreen() string {
	if g.AuthScreen == "" {
		return DefaultAuthScreen
	}
	return g.AuthScreen
}
