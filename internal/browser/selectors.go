package browser

// DOM selectors for the web chat client. The client ships obfuscated class
// names, so these lean on stable attributes (data-ref, aria labels, the
// chat pane id) rather than generated classes.
const (
	selQRContainer = `div[data-ref]`
	selQRCanvas    = `div[data-ref] canvas, canvas[aria-label*="QR"]`
	selChatPane    = `#pane-side`
	selLoading     = `progress, [data-testid="startup"]`
	selCompose     = `footer div[contenteditable="true"][data-tab], footer div[contenteditable="true"]`
	selSendButton  = `button[aria-label="Send"], span[data-icon="send"]`
)

// detectStateJS reports the three signals connection detection is built on:
// a visible pairing code, the chat list pane, and a startup spinner.
const detectStateJS = `
() => ({
	qr: !!document.querySelector('div[data-ref], canvas[aria-label*="QR"]'),
	landmark: !!document.querySelector('#pane-side'),
	loading: !!document.querySelector('progress, [data-testid="startup"]'),
})
`

// pollMessagesJS returns the total message row count in the open
// conversation plus every row past the seen index. Rows are classified by
// the message-in/message-out classes the client puts on bubbles.
const pollMessagesJS = `
(seen) => {
	const rows = Array.from(document.querySelectorAll('#main div.message-in, #main div.message-out'));
	const header = document.querySelector('#main header span[title]');
	const sender = header ? (header.getAttribute('title') || '') : '';
	const items = [];
	for (let i = seen; i < rows.length; i++) {
		const el = rows[i];
		const textEl = el.querySelector('span.selectable-text');
		items.push({
			incoming: el.classList.contains('message-in'),
			sender: sender,
			text: textEl ? textEl.innerText : '',
		});
	}
	return { total: rows.length, items: items };
}
`

// openConversationJS clicks the chat list entry whose title matches the
// contact. Returns false when no such entry is visible.
const openConversationJS = `
(contact) => {
	const el = document.querySelector('#pane-side span[title="' + contact.replace(/"/g, '\\"') + '"]');
	if (!el) return false;
	el.click();
	return true;
}
`
