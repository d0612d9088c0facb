package evasion

import (
	"encoding/json"
	"fmt"

	"github.com/go-rod/stealth"
)

// identityScript aligns navigator and screen introspection with the profile
// and removes the globals left behind by automation drivers.
const identityScript = `(() => {
	const languages = %s;
	const define = (obj, prop, value) => {
		try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
	};

	define(navigator, 'webdriver', undefined);
	define(navigator, 'languages', languages);
	define(navigator, 'language', languages[0]);
	define(navigator, 'platform', %q);
	define(navigator, 'hardwareConcurrency', 8);

	if (!navigator.plugins || navigator.plugins.length === 0) {
		define(navigator, 'plugins', [
			{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
			{ name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
			{ name: 'Native Client', filename: 'internal-nacl-plugin' },
		]);
	}

	define(screen, 'width', %d);
	define(screen, 'height', %d);
	define(screen, 'availWidth', %d);
	define(screen, 'availHeight', %d);

	if (window.navigator.permissions && window.navigator.permissions.query) {
		const originalQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
		window.navigator.permissions.query = (parameters) => (
			parameters && parameters.name === 'notifications'
				? Promise.resolve({ state: Notification.permission })
				: originalQuery(parameters)
		);
	}

	window.chrome = window.chrome || {};
	window.chrome.runtime = window.chrome.runtime || {};
	window.chrome.loadTimes = window.chrome.loadTimes || function() {};
	window.chrome.csi = window.chrome.csi || function() {};
	window.chrome.app = window.chrome.app || { isInstalled: false };

	['callPhantom', '_phantom', '__nightmare', 'domAutomation', 'domAutomationController'].forEach((k) => {
		try { delete window[k]; } catch (e) {}
	});
})();`

// MaskingScripts returns the scripts to evaluate on every new document, in
// order: the stealth evasions bundle, then the profile-specific overrides.
func MaskingScripts(p Profile) []string {
	return []string{stealth.JS, IdentityScript(p)}
}

// IdentityScript renders the profile-specific override script.
func IdentityScript(p Profile) string {
	langs, _ := json.Marshal(p.Languages())
	width, height := p.ViewportWidth, p.ViewportHeight
	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}
	return fmt.Sprintf(identityScript, langs, p.Platform, width, height, width, height-40)
}
